// Package recorder is the HTTP client for the external recording worker. The
// worker pulls RTP off the media engine and writes it to disk; this client
// only starts and stops jobs. All calls run through a circuit breaker so a
// dead worker cannot stall the signaling path.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/meetmesh/signaling/internal/v1/metrics"
	"github.com/meetmesh/signaling/internal/v1/types"
)

const (
	audioCodec       = "opus"
	audioPayloadType = 111
	videoCodec       = "vp8"
	videoPayloadType = 96
)

// startRequest is the job description sent to the recording worker.
type startRequest struct {
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Codec       string `json:"codec"`
	ProducerID  string `json:"producerId"`
	PayloadType int    `json:"payloadType"`
	SSRC        uint32 `json:"ssrc"`
}

type startResponse struct {
	OK         bool   `json:"ok"`
	OutputFile string `json:"outputFile"`
	Error      string `json:"error,omitempty"`
}

type stopRequest struct {
	ProducerID string `json:"producerId"`
}

type stopResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Options configure the client. RtpIP is the address the worker should bind
// its RTP socket on; ports are handed out sequentially from BasePort.
type Options struct {
	BaseURL    string
	RtpIP      string
	BasePort   int
	HTTPClient *http.Client
}

// Client talks to one recording worker.
type Client struct {
	baseURL    string
	rtpIP      string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker

	mu       sync.Mutex
	nextPort int
}

func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.RtpIP == "" {
		opts.RtpIP = "127.0.0.1"
	}
	if opts.BasePort == 0 {
		opts.BasePort = 5004
	}

	st := gobreaker.Settings{
		Name:        "recorder",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("recorder").Set(stateVal)
		},
	}

	return &Client{
		baseURL:    opts.BaseURL,
		rtpIP:      opts.RtpIP,
		httpClient: opts.HTTPClient,
		cb:         gobreaker.NewCircuitBreaker(st),
		nextPort:   opts.BasePort,
	}
}

// allocPort hands out RTP ports pairwise; the worker uses port+1 for RTCP.
func (c *Client) allocPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	port := c.nextPort
	c.nextPort += 2
	return port
}

// Start asks the worker to begin recording the producer and returns the
// output file path reported by the worker.
func (c *Client) Start(ctx context.Context, producerID string, kind types.MediaKind) (string, error) {
	codec, payloadType := audioCodec, audioPayloadType
	if kind == types.MediaKindVideo {
		codec, payloadType = videoCodec, videoPayloadType
	}

	req := startRequest{
		IP:          c.rtpIP,
		Port:        c.allocPort(),
		Codec:       codec,
		ProducerID:  producerID,
		PayloadType: payloadType,
		SSRC:        rand.Uint32(),
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		var resp startResponse
		if err := c.post(ctx, "/start", req, &resp); err != nil {
			return nil, err
		}
		if !resp.OK {
			return nil, fmt.Errorf("recorder rejected start: %s", resp.Error)
		}
		return resp.OutputFile, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("recorder").Inc()
		}
		return "", err
	}
	return res.(string), nil
}

// Stop asks the worker to finish the producer's recording job.
func (c *Client) Stop(ctx context.Context, producerID string) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var resp stopResponse
		if err := c.post(ctx, "/stop", stopRequest{ProducerID: producerID}, &resp); err != nil {
			return nil, err
		}
		if !resp.OK {
			return nil, fmt.Errorf("recorder rejected stop: %s", resp.Error)
		}
		return nil, nil
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("recorder").Inc()
	}
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal recorder request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("recorder returned %d: %s", resp.StatusCode, raw)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
