package nodechannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/internal/core/ports"
)

// CommandPath is where nodes accept commands when the HTTP transport is used.
const CommandPath = "/api/v1/commands"

const maxReplySize = 64 * 1024

// HTTPTransport posts commands to the node's own HTTP server on its media
// port. Deadlines come from ctx; the dispatcher sets them.
type HTTPTransport struct {
	client *http.Client
	scheme string
}

var _ ports.NodeTransport = (*HTTPTransport)(nil)

func NewHTTPTransport(client *http.Client, scheme string) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if scheme == "" {
		scheme = "http"
	}
	return &HTTPTransport{client: client, scheme: scheme}
}

func (t *HTTPTransport) Send(ctx context.Context, node *domain.Node, cmd domain.NodeCommand) (domain.NodeResponse, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return domain.NodeResponse{}, fmt.Errorf("failed to encode command: %w", err)
	}

	endpoint := fmt.Sprintf("%s://%s%s", t.scheme, net.JoinHostPort(node.IP, strconv.Itoa(node.MediaPort)), CommandPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.NodeResponse{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.NodeResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return domain.NodeResponse{}, fmt.Errorf("failed to read reply: %w", err)
	}

	var reply domain.NodeResponse
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if json.Unmarshal(raw, &reply) != nil || reply.OK() {
			reply = domain.NodeResponse{Code: "http_" + strconv.Itoa(resp.StatusCode), Message: string(raw)}
		}
		return reply, nil
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			return domain.NodeResponse{}, fmt.Errorf("invalid reply: %w", err)
		}
	}
	return reply, nil
}
