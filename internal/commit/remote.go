package commit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/tether/internal/capture"
	"github.com/kalambet/tether/internal/extract"
)

// StatusError is returned for a non-2xx response from the contacts service.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// ErrorKind reports "validation" for client errors the service will keep
// rejecting, and "transient" for everything else.
func (e *StatusError) ErrorKind() string {
	switch e.Code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return "validation"
	}
	return "transient"
}

// Remote commits to a contacts service over JSON/HTTP and doubles as the
// contact directory used for matching.
type Remote struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.httpClient = c }
}

// NewRemote creates a Remote for the service at baseURL. apiKey is sent as
// a bearer token when non-empty.
func NewRemote(baseURL, apiKey string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type contactPayload struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type interactionPayload struct {
	ID         string    `json:"id,omitempty"`
	Summary    string    `json:"summary"`
	Tags       []string  `json:"tags"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Commit creates or patches the contact, then appends the interaction.
func (r *Remote) Commit(ctx context.Context, ext extract.Result, targetContactID string) (capture.CommitResult, error) {
	res := capture.CommitResult{ContactID: targetContactID}

	if targetContactID == "" {
		var created contactPayload
		err := r.do(ctx, "create contact", http.MethodPost, "/contacts",
			contactPayload{Name: ext.ContactName, Attributes: ext.Attributes}, &created)
		if err != nil {
			return capture.CommitResult{}, err
		}
		if created.ID == "" {
			return capture.CommitResult{}, fmt.Errorf("create contact: response has no id")
		}
		res.ContactID = created.ID
		res.Created = true
	} else if len(ext.Attributes) > 0 {
		err := r.do(ctx, "update contact", http.MethodPatch, "/contacts/"+url.PathEscape(targetContactID),
			contactPayload{Attributes: ext.Attributes}, nil)
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return capture.CommitResult{}, &ValidationError{Err: fmt.Errorf("%w: %s", ErrUnknownContact, targetContactID)}
		}
		if err != nil {
			return capture.CommitResult{}, err
		}
	}

	var ix interactionPayload
	err := r.do(ctx, "add interaction", http.MethodPost, "/contacts/"+url.PathEscape(res.ContactID)+"/interactions",
		interactionPayload{Summary: ext.Summary, Tags: nonNilTags(ext.Tags), OccurredAt: r.now()}, &ix)
	if err != nil {
		return capture.CommitResult{}, err
	}
	res.InteractionID = ix.ID
	return res, nil
}

// FindContactsByName implements capture.ContactDirectory. The service does
// the case-insensitive exact match and returns contacts oldest first.
func (r *Remote) FindContactsByName(ctx context.Context, name string) ([]capture.Contact, error) {
	var found []contactPayload
	if err := r.do(ctx, "find contacts", http.MethodGet, "/contacts?name="+url.QueryEscape(name), nil, &found); err != nil {
		return nil, err
	}
	out := make([]capture.Contact, len(found))
	for i, c := range found {
		out[i] = capture.Contact{ID: c.ID, Name: c.Name}
	}
	return out, nil
}

func (r *Remote) do(ctx context.Context, op, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}
