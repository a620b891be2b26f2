// Package restapi reaches the salon's booking CRUD API over HTTP.
package restapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/bt-bridge/salon-voice/booking"
)

const defaultTimeout = 5 * time.Second

type Client struct {
	http    *fasthttp.Client
	baseURL *url.URL
	token   string
	timeout time.Duration
}

var _ booking.Collaborator = (*Client)(nil)

type ClientParams struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTP overrides the transport; tests dial an in-memory listener.
	HTTP *fasthttp.Client
}

func NewClient(params ClientParams) (*Client, error) {
	if params.BaseURL == "" {
		return nil, errors.New("booking api base url is required")
	}
	base, err := url.Parse(params.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing booking api url: %w", err)
	}
	c := &Client{
		http:    params.HTTP,
		baseURL: base,
		token:   params.Token,
		timeout: params.Timeout,
	}
	if c.http == nil {
		c.http = &fasthttp.Client{Name: "salon-voice"}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c, nil
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

type appointmentBody struct {
	ServiceID       string    `json:"service_id"`
	ClientID        string    `json:"client_id,omitempty"`
	ClientName      string    `json:"client_name"`
	ClientPhone     string    `json:"client_phone"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Source          string    `json:"source"`
	SessionID       string    `json:"session_id,omitempty"`
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.Status, e.Body)
}

func (c *Client) LookupServices(ctx context.Context, filter booking.ServiceFilter) ([]booking.Service, error) {
	q := url.Values{}
	if filter.Query != "" {
		q.Set("q", filter.Query)
	}
	if filter.ActiveOnly {
		q.Set("active", "true")
	}
	var services []booking.Service
	if err := c.do(ctx, fasthttp.MethodGet, c.path(filter.BusinessID, "services", q), nil, &services); err != nil {
		return nil, fmt.Errorf("looking up services: %w", err)
	}
	return services, nil
}

func (c *Client) CheckAvailability(ctx context.Context, businessID string, start time.Time, duration time.Duration) (bool, error) {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("duration_minutes", strconv.Itoa(int(duration/time.Minute)))
	var resp availabilityResponse
	if err := c.do(ctx, fasthttp.MethodGet, c.path(businessID, "availability", q), nil, &resp); err != nil {
		return false, fmt.Errorf("checking availability: %w", err)
	}
	return resp.Available, nil
}

func (c *Client) FindClient(ctx context.Context, businessID, phone, name string) (*booking.Client, error) {
	q := url.Values{}
	if phone != "" {
		q.Set("phone", phone)
	}
	if name != "" {
		q.Set("name", name)
	}
	var client booking.Client
	err := c.do(ctx, fasthttp.MethodGet, c.path(businessID, "clients/lookup", q), nil, &client)
	if errors.Is(err, booking.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding client: %w", err)
	}
	return &client, nil
}

func (c *Client) CreateAppointment(ctx context.Context, req booking.AppointmentRequest) (*booking.Appointment, error) {
	source := req.Source
	if source == "" {
		source = booking.SourceVoice
	}
	body, err := sonic.Marshal(appointmentBody{
		ServiceID:       req.ServiceID,
		ClientID:        req.ClientID,
		ClientName:      req.ClientName,
		ClientPhone:     req.ClientPhone,
		Start:           req.Start,
		DurationMinutes: int(req.Duration / time.Minute),
		Notes:           req.Notes,
		Source:          source,
		SessionID:       req.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling appointment: %w", err)
	}
	var appt booking.Appointment
	if err := c.do(ctx, fasthttp.MethodPost, c.path(req.BusinessID, "appointments", nil), body, &appt); err != nil {
		return nil, fmt.Errorf("creating appointment: %w", err)
	}
	return &appt, nil
}

func (c *Client) path(businessID, resource string, q url.Values) string {
	u := c.baseURL.JoinPath("businesses", businessID, resource)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, uri string, body []byte, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("performing HTTP request: %w", err)
	}

	switch status := resp.StatusCode(); {
	case status == fasthttp.StatusNotFound:
		return booking.ErrNotFound
	case status == fasthttp.StatusConflict:
		return booking.ErrSlotTaken
	case status < 200 || status > 299:
		return &apiError{Status: status, Body: string(resp.Body())}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
