// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"git.arvados.org/dataflow.git/sdk/go/version"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// A Client is an HTTP client for the coordinator and task manager
// APIs. Requests that fail with a network error or a 5xx/429 status
// are retried with backoff until RetryMax attempts or the context
// ends.
type Client struct {
	// Base URL, like "http://10.1.2.3:9090"
	BaseURL string
	// Bearer token sent with each request
	AuthToken string
	// Per-attempt timeout. Zero means no timeout.
	Timeout time.Duration
	// Retries after the first attempt. Zero disables retries.
	RetryMax int
	Logger   logrus.FieldLogger

	setupOnce sync.Once
	rc        *retryablehttp.Client
}

// NewClient returns a client for the API at baseURL.
func NewClient(baseURL, token string, logger logrus.FieldLogger) *Client {
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		AuthToken: token,
		Timeout:   time.Minute,
		RetryMax:  4,
		Logger:    logger,
	}
}

func (c *Client) retryableClient() *retryablehttp.Client {
	c.setupOnce.Do(c.setup)
	return c.rc
}

func (c *Client) setup() {
	rc := retryablehttp.NewClient()
	rc.RetryMax = c.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = c.Timeout
	rc.Logger = nil
	if c.Logger != nil {
		rc.Logger = leveledLogger{c.Logger}
	}
	c.rc = rc
}

// RequestAndDecode sends body (if not nil) as JSON and decodes a 200
// response into dst (if not nil). Any other response is returned as a
// *TransactionError.
func (c *Client) RequestAndDecode(ctx context.Context, dst interface{}, method, path string, body interface{}) error {
	var reqBody interface{}
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = buf
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	req.Header.Set("X-Request-Id", "req-"+uuid.NewString())
	req.Header.Set("User-Agent", version.UserAgent("dataflow-client"))
	resp, err := c.retryableClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return newTransactionError(req.Request, resp, buf)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(bytes.NewReader(buf)).Decode(dst)
}

// TransactionError is returned when an API responds with a non-200
// status.
type TransactionError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
	Errors     []string `json:"errors"`
}

func (e *TransactionError) Error() (s string) {
	s = fmt.Sprintf("request failed: %s %s", e.Method, e.URL)
	if e.Status != "" {
		s = s + ": " + e.Status
	}
	if len(e.Errors) > 0 {
		s = s + ": " + strings.Join(e.Errors, "; ")
	}
	return
}

// HTTPStatus implements httpserver.HTTPStatusError, so a handler can
// relay an upstream error with its original status.
func (e *TransactionError) HTTPStatus() int {
	return e.StatusCode
}

func newTransactionError(req *http.Request, resp *http.Response, buf []byte) *TransactionError {
	var e TransactionError
	if json.Unmarshal(buf, &e) != nil {
		// No JSON-formatted error response
		e.Errors = nil
	}
	e.Method = req.Method
	e.URL = req.URL.String()
	e.StatusCode = resp.StatusCode
	e.Status = resp.Status
	return &e
}

// leveledLogger adapts a logrus logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) with(kv []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }
