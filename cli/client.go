package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

const (
	headerRunID   = "X-Run-ID"
	headerGuestID = "X-Guest-ID"
)

// Client talks to the foodchat HTTP API.
type Client struct {
	baseURL string
	token   string
	guest   string
	http    *http.Client
}

func newClient(flags *globalFlags) *Client {
	return &Client{
		baseURL: strings.TrimRight(flags.server, "/"),
		token:   flags.token,
		guest:   flags.guest,
		http:    &http.Client{},
	}
}

// SendResult describes a started run.
type SendResult struct {
	RunID   string
	GuestID string
}

// Send posts a message and calls onChunk for every streamed chunk.
func (c *Client) Send(ctx context.Context, chatID, text string, onChunk func(domain.ChunkPayload)) (*SendResult, error) {
	body, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	res := &SendResult{RunID: resp.Header.Get(headerRunID), GuestID: resp.Header.Get(headerGuestID)}
	if err := readSSE(resp.Body, func(ev sseEvent) error {
		var p domain.ChunkPayload
		if err := json.Unmarshal(ev.data, &p); err != nil {
			return fmt.Errorf("decode chunk %s: %w", ev.id, err)
		}
		onChunk(p)
		return nil
	}); err != nil {
		return res, err
	}
	return res, nil
}

// Resume reads a run over WebSocket starting at from.
func (c *Client) Resume(ctx context.Context, chatID, runID string, from int64, onChunk func(domain.ChunkPayload)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/chats/" + url.PathEscape(chatID) + "/messages/" + url.PathEscape(runID) + "/ws"
	u.RawQuery = url.Values{"startIndex": {strconv.FormatInt(from, 10)}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), c.headers())
	if err != nil {
		if resp != nil {
			return responseError(resp)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	for {
		var chunk domain.Chunk
		if err := conn.ReadJSON(&chunk); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read chunk: %w", err)
		}
		p, err := chunk.Payload()
		if err != nil {
			return fmt.Errorf("decode chunk %d: %w", chunk.Seq, err)
		}
		onChunk(p)
	}
}

// History returns the messages of a chat.
func (c *Client) History(ctx context.Context, chatID string) ([]domain.Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var body struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return body.Messages, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers() {
		req.Header[k] = v
	}
	return req, nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	} else if c.guest != "" {
		h.Set(headerGuestID, c.guest)
	}
	return h
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

type sseEvent struct {
	id    string
	event string
	data  []byte
}

// readSSE calls fn for every event in r until EOF.
func readSSE(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if ev.data != nil {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = sseEvent{}
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.id = value
		case "event":
			ev.event = value
		case "data":
			if ev.data != nil {
				ev.data = append(ev.data, '\n')
			}
			ev.data = append(ev.data, value...)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
