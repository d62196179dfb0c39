package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsec-board/scoreboard/internal/config"
	"github.com/itsec-board/scoreboard/internal/joincode"
)

var testJoin = &config.JoinConfig{Key: "8bytekey", MinutesValid: 15}

func TestDescribeFreshCode(t *testing.T) {
	issued := time.Unix(1700000000, 0)
	code, err := joincode.Generate([]byte(testJoin.Key), 4242, issued)
	require.NoError(t, err)

	report := describe(testJoin, code, issued.Add(2*time.Minute))
	assert.Contains(t, report, "subject 4242")
	assert.Contains(t, report, "valid")
	assert.NotContains(t, report, "EXPIRED")
}

func TestDescribeExpiredCode(t *testing.T) {
	issued := time.Unix(1700000000, 0)
	code, err := joincode.Generate([]byte(testJoin.Key), 4242, issued)
	require.NoError(t, err)

	report := describe(testJoin, code, issued.Add(time.Hour))
	assert.Contains(t, report, "subject 4242")
	assert.Contains(t, report, "EXPIRED")
}

func TestDescribeGarbage(t *testing.T) {
	assert.Equal(t, "malformed code", describe(testJoin, "not a code", time.Now()))
}
