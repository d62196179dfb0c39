// Package queueclient is the worker's HTTP client for the queue server's
// autograde endpoints.
package queueclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsec-board/scoreboard/internal/types"
)

var tracer = otel.Tracer(
	"github.com/itsec-board/scoreboard/grader/internal/queueclient",
)

type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func New(baseURL, apiKey string) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	return &Client{
		http:    retryClient.StandardClient(),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (c *Client) endpoint(path string) string {
	query := url.Values{"APIKEY": []string{c.apiKey}}
	return c.baseURL + path + "?" + query.Encode()
}

// List fetches the pending submission queue, oldest first.
func (c *Client) List(ctx context.Context) ([]types.QueueEntry, error) {
	ctx, span := tracer.Start(ctx, "Client.List")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/autograde/"), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct request")
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list queue")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("invalid status code: %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid status code")
		return nil, err
	}

	var entries []types.QueueEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode queue")
		return nil, err
	}

	span.SetAttributes(attribute.Int("entries", len(entries)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed queue")
	return entries, nil
}

// FetchPayload downloads the stored submission file. The caller owns the
// returned body.
func (c *Client) FetchPayload(ctx context.Context, id int64) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "Client.FetchPayload", trace.WithAttributes(
		attribute.Int64("submission.id", id),
	))
	defer span.End()

	endpoint := c.endpoint(fmt.Sprintf("/autograde/%d/", id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct request")
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch payload")
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err = fmt.Errorf("invalid status code: %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid status code")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "fetched payload")
	return resp.Body, nil
}

// UploadResult posts the captured output and flags for one submission. The
// upload is retried with backoff; losing a result means the submission stays
// ungraded forever since the queue will never list it again once graded, and
// never re-lists superseded ones.
func (c *Client) UploadResult(
	ctx context.Context,
	id int64,
	output string,
	forceFail bool,
	startTime float64,
) error {
	ctx, span := tracer.Start(ctx, "Client.UploadResult", trace.WithAttributes(
		attribute.Int64("submission.id", id),
		attribute.Bool("force_fail", forceFail),
	))
	defer span.End()

	form := url.Values{
		"output":     []string{output},
		"force_fail": []string{strconv.FormatBool(forceFail)},
		"start_time": []string{strconv.FormatFloat(startTime, 'f', -1, 64)},
	}
	endpoint := c.endpoint(fmt.Sprintf("/autograde/%d/", id))

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			endpoint,
			strings.NewReader(form.Encode()),
		)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return retry.RetryableError(fmt.Errorf("invalid status code: %d", resp.StatusCode))
		}

		var result types.ResultResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return err
		}

		span.SetAttributes(attribute.String("verdict", result.Result))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload result")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "uploaded result")
	return nil
}

// Reset pings a task's pre-grading reset hook. Failures are for the caller
// to log, never to abort an iteration over.
func (c *Client) Reset(ctx context.Context, resetURL string) error {
	ctx, span := tracer.Start(ctx, "Client.Reset", trace.WithAttributes(
		attribute.String("url", resetURL),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resetURL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct request")
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to call reset hook")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("invalid status code: %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid status code")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "reset hook called")
	return nil
}
