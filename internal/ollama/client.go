package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/Kineviz/pdf-km-server/internal/cluster"
)

// systemPrompt instructs the model to emit structured observations. The
// shape of the output is owned by the downstream graph builder; this client
// treats the response content as opaque text.
const systemPrompt = "Extract observations from the text. An observation is a natural language statement that contains one or more entities and describes relationships or facts about them. For each observation, identify the most important entities mentioned in it and provide a single word that best describes the key relationship or fact. Try to limit to 2 entities per observation, but you may include more if multiple people's names are listed together or if the observation requires more entities to be meaningful. Use these standardized categories: Person, Organization, Object, Location, Event, Date, Concept, Trait, Role, Animal, Technology, Product. The label should be the actual name of the entity (e.g., 'Bruce Lee' for a person, 'IBM' for an organization, 'New York' for a location)."

// observationFormat is the JSON schema sent as the chat "format" field so the
// model returns a parseable observation array.
var observationFormat = json.RawMessage(`{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "observation": {"type": "string"},
      "relationship": {"type": "string"},
      "entities": {
        "type": "array",
        "items": {
          "type": "object",
          "properties": {
            "label": {"type": "string"},
            "category": {"type": "string"}
          },
          "required": ["label", "category"]
        }
      }
    },
    "required": ["observation", "relationship", "entities"]
  }
}`)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string          `json:"model"`
	Messages      []chatMessage   `json:"messages"`
	Stream        bool            `json:"stream"`
	Temperature   float64         `json:"temperature"`
	TopP          float64         `json:"top_p"`
	TopK          int             `json:"top_k"`
	RepeatPenalty float64         `json:"repeat_penalty"`
	Seed          int             `json:"seed"`
	Format        json.RawMessage `json:"format"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Client talks to Ollama inference servers. Per-request deadlines come from
// the caller's context, so the embedded http.Client carries no timeout of
// its own.
type Client struct {
	httpc  *http.Client
	dialer *net.Dialer
}

// NewClient creates a client suitable for both extraction requests and
// health probes.
func NewClient() *Client {
	return &Client{
		httpc:  &http.Client{},
		dialer: &net.Dialer{},
	}
}

// Extract sends one chunk of text to the given server and returns the raw
// extracted content. Sampling parameters are pinned so repeated runs over
// the same document produce the same observations.
func (c *Client) Extract(ctx context.Context, server *cluster.Entry, model string, chunk string) (string, error) {
	if model == "" {
		model = server.Model
	}

	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Extract observations from this text:\n\n%s", chunk)},
		},
		Stream:        false,
		Temperature:   0,
		TopP:          1.0,
		TopK:          1,
		RepeatPenalty: 1.0,
		Seed:          42,
		Format:        observationFormat,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request to %s: %w", server.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat request to %s: unexpected status %d", server.Name, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response from %s: %w", server.Name, err)
	}
	return parsed.Message.Content, nil
}

// CheckReachable dials the server's TCP endpoint as the low-level
// reachability probe.
func (c *Client) CheckReachable(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}

	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}
	return conn.Close()
}

// CheckModels asks the server for its model list as the protocol-level
// capability probe.
func (c *Client) CheckModels(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build tags request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("tags request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tags request: unexpected status %d", resp.StatusCode)
	}
	return nil
}
