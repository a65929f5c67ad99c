// Package client 通过 HTTP + websocket 访问另一台服务器上的资源，供 PeerSync 使用。
package client

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

	"github.com/gorilla/websocket"

	"github.com/braid-org/braid-text-sub000/backend/internal/collab"
	"github.com/braid-org/braid-text-sub000/backend/internal/httpapi/handlers"
	"github.com/braid-org/braid-text-sub000/backend/internal/ws"
)

// Remote 实现 collab.Remote
type Remote struct {
	base   *url.URL
	key    string
	http   *http.Client
	dialer *websocket.Dialer
}

// New base 形如 http://host:port，key 为对端资源名
func New(base, key string) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return &Remote{
		base:   u,
		key:    strings.TrimPrefix(key, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (r *Remote) Name() string { return r.resourceURL("/braid/") }

func (r *Remote) resourceURL(prefix string) string {
	u := *r.base
	u.Path = strings.TrimRight(u.Path, "/") + prefix + r.key
	return u.String()
}

// Has 发送 HEAD 探测
func (r *Remote) Has(ctx context.Context, version []string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.resourceURL("/braid/"), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Version", handlers.FormatVersion(version))
	resp, err := r.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case handlers.StatusVersionUnknown:
		return false, nil
	}
	return false, fmt.Errorf("HEAD %s: %s", r.Name(), resp.Status)
}

func (r *Remote) Put(ctx context.Context, u collab.Update, peer string) error {
	parents := u.Parents
	if parents == nil {
		parents = []string{}
	}
	body, err := json.Marshal(handlers.PutBody{
		Version: u.Version,
		Parents: parents,
		Patches: u.Patches,
		Body:    u.Body,
		Peer:    peer,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.resourceURL("/braid/"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return statusError(resp)
}

// statusError 把对端的错误响应还原成 collab 的错误
func statusError(resp *http.Response) error {
	var payload struct {
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(b, &payload)
	switch resp.StatusCode {
	case handlers.StatusVersionUnknown:
		return &collab.VersionUnknownError{Missing: payload.Missing}
	case http.StatusBadRequest:
		return fmt.Errorf("%w: remote: %s", collab.ErrMalformedPatch, payload.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: remote: %s", collab.ErrContentIntegrity, payload.Error)
	case http.StatusServiceUnavailable:
		return collab.ErrBusy
	}
	return fmt.Errorf("remote: %s: %s", resp.Status, payload.Error)
}

// Subscribe 通过 websocket 订阅对端，直到 ctx 结束或连接出错
func (r *Remote) Subscribe(ctx context.Context, parents []string, peer string, fn func(collab.Update) error) error {
	u := *r.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + r.key
	q := url.Values{}
	q.Set("peer", peer)
	q.Set("merge-type", string(collab.MergeDT))
	if len(parents) > 0 {
		q.Set("parents", strings.Join(parents, ","))
	}
	u.RawQuery = q.Encode()

	conn, _, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch msg.Type {
		case "update":
			if err := fn(msg.Update()); err != nil {
				return err
			}
		case "error":
			if len(msg.Missing) > 0 {
				return &collab.VersionUnknownError{Missing: msg.Missing}
			}
			return errors.New("remote: " + msg.Content)
		}
	}
}
