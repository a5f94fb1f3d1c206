// Package proctorclient reports a candidate's signals to a remote proctoring API.
package proctorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core/candidate"
	"github.com/trezcool/proctor/core/proctor"
)

const maxErrorBody = 4 << 10

// APIError is a response the API answered with a non-success status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proctor api: %d %s", e.Status, e.Message)
}

// Client is the candidate side of the proctoring API for one exam attempt.
// Token is the candidate's JWT.
type Client struct {
	BaseURL string
	ExamID  string
	Token   string
	HTTP    *http.Client
}

var (
	_ candidate.Recorder         = (*Client)(nil)
	_ candidate.SnapshotUploader = (*Client)(nil)
)

func NewClient(baseURL, examID, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		ExamID:  examID,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Report(ctx context.Context, sig proctor.RawSignal) (proctor.Outcome, error) {
	confidence := sig.Confidence
	rep := proctor.Report{
		Type:        string(sig.Kind),
		Description: sig.Description,
		Confidence:  &confidence,
	}
	var out proctor.Outcome
	if err := c.do(ctx, "violations", rep, http.StatusOK, &out); err != nil {
		return proctor.Outcome{}, err
	}
	return out, nil
}

func (c *Client) UploadSnapshot(ctx context.Context, photo string) error {
	return c.do(ctx, "snapshots", map[string]string{"photo": photo}, http.StatusCreated, nil)
}

func (c *Client) do(ctx context.Context, resource string, body interface{}, want int, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	endpoint := fmt.Sprintf("%s/v1/exams/%s/%s", c.BaseURL, url.PathEscape(c.ExamID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting %s", resource)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding response")
}

// responseError maps API statuses back to domain errors where the caller must react to them.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Message interface{} `json:"message"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != nil {
		msg = fmt.Sprint(body.Message)
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		return errors.Wrap(proctor.ErrFinalized, msg)
	case http.StatusNotFound:
		return errors.Wrap(proctor.ErrNotFound, msg)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
