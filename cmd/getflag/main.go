// getflag prints a freshly minted flag token for the task key installed on
// this host. It is meant to be installed setuid per task; the per-euid key
// file lets several identical binaries coexist, with a shared fallback key
// for single-task hosts.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/itsec-board/scoreboard/internal/flags"
)

const (
	keyFileByUID    = "/etc/flags/%d.key"
	keyFileFallback = "/etc/flags/default.key"

	flagPrefix = "flag"
)

func keyPath() (string, error) {
	path := fmt.Sprintf(keyFileByUID, os.Geteuid())
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if _, err := os.Stat(keyFileFallback); err == nil {
		return keyFileFallback, nil
	}
	return "", fmt.Errorf("no key file for uid %d and no fallback", os.Geteuid())
}

func run() error {
	path, err := keyPath()
	if err != nil {
		return err
	}

	key, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(key) != flags.KeySize {
		return fmt.Errorf("key file %s has %d bytes, want %d", path, len(key), flags.KeySize)
	}

	taskID, err := flags.KeyTaskID(key)
	if err != nil {
		return err
	}

	issuedAt := uint64(time.Now().UnixMicro())
	token, err := flags.Generate(flagPrefix, taskID, issuedAt, key)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "oops,", err)
		os.Exit(1)
	}
}
