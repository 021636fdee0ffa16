// Package websocketPkg runs the face analysis on a remote inference service
// reached over a WebSocket.
//
// Each replica holds one connection. The service is dialed with
// ?device=<auto|cpu|cuda> and answers with a text frame {"device":"cpu"}.
// After that every binary PNG frame sent gets one text frame back:
//
//	{"skin_color":[r,g,b], ..., "error":""}
package websocketPkg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/url"
	"strings"
	"sync"
	"time"

	"MakeupRecommendation/internal/entity"
	"MakeupRecommendation/pkg/pipeline"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("not connected to inference service")

type handshake struct {
	Device string `json:"device"`
}

type reply struct {
	entity.DetectedFeatures
	Error string `json:"error,omitempty"`
}

// Loader dials one connection per replica.
type Loader struct {
	url          string
	log          *logrus.Logger
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewLoader(log *logrus.Logger, serviceURL string, readTimeout time.Duration) (*Loader, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid inference service URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("inference service URL must use ws or wss, got %q", u.Scheme)
	}
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}

	return &Loader{
		url:          serviceURL,
		log:          log,
		pingInterval: 30 * time.Second,
		readTimeout:  readTimeout,
		writeTimeout: 5 * time.Second,
	}, nil
}

func (l *Loader) Load(device pipeline.Device) (pipeline.FacePipeline, string, error) {
	c := &Client{
		url:          l.url,
		device:       device,
		log:          l.log,
		pingInterval: l.pingInterval,
		readTimeout:  l.readTimeout,
		writeTimeout: l.writeTimeout,
	}

	resolved, err := c.Reconnect()
	if err != nil {
		return nil, "", err
	}

	if resolved != string(pipeline.DeviceCUDA) {
		if device == pipeline.DeviceCUDA {
			l.log.Warn("CUDA requested but not available, using CPU")
		}
		resolved = string(pipeline.DeviceCPU)
	}

	return c, resolved, nil
}

// Client is one connection to the inference service. A dropped connection is
// re-dialed on the next Run.
type Client struct {
	url          string
	device       pipeline.Device
	log          *logrus.Logger
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Reconnect replaces the current connection and returns the device the
// service reported.
func (c *Client) Reconnect() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrNotConnected
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	target, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	q := target.Query()
	q.Set("device", c.device.String())
	target.RawQuery = q.Encode()

	c.log.WithField("url", target.Redacted()).Info("Connecting to inference service")

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", target.Redacted(), err)
	}

	c.setReadDeadline(conn, time.Now().Add(c.readTimeout))
	var hs handshake
	if err := conn.ReadJSON(&hs); err != nil {
		conn.Close()
		return "", fmt.Errorf("inference service handshake failed: %w", err)
	}
	c.setReadDeadline(conn, time.Time{})

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout))
		if err != nil {
			c.log.Debugf("Error sending pong: %v", err)
		}
		return nil
	})

	c.conn = conn
	go c.keepAlive(conn)

	return strings.ToLower(hs.Device), nil
}

func (c *Client) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}

		err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.writeTimeout))
		if err != nil {
			c.log.Warnf("Ping failed, marking inference connection as dead: %v", err)
			c.conn = nil
			conn.Close()
			c.mu.Unlock()
			return
		}

		c.mu.Unlock()
	}
}

func (c *Client) connection() (*websocket.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	if _, err := c.Reconnect(); err != nil {
		return nil, fmt.Errorf("cannot reach inference service: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// drop forgets conn if it is still the current connection.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) setReadDeadline(conn *websocket.Conn, t time.Time) {
	if err := conn.SetReadDeadline(t); err != nil {
		c.log.Debugf("Error setting read deadline: %v", err)
	}
}

func (c *Client) Run(ctx context.Context, img image.Image) (entity.DetectedFeatures, error) {
	if err := pipeline.CheckImage(img); err != nil {
		return entity.NoFace, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return entity.NoFace, fmt.Errorf("failed to encode image: %w", err)
	}

	conn, err := c.connection()
	if err != nil {
		return entity.NoFace, err
	}

	readDeadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
		readDeadline = d
	}

	c.mu.Lock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.log.Debugf("Error setting write deadline: %v", err)
	}
	err = conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
	c.mu.Unlock()
	if err != nil {
		c.drop(conn)
		return entity.NoFace, fmt.Errorf("error sending frame: %w", err)
	}

	c.setReadDeadline(conn, readDeadline)
	_, message, err := conn.ReadMessage()
	if err != nil {
		c.drop(conn)
		return entity.NoFace, fmt.Errorf("error reading inference reply: %w", err)
	}
	c.setReadDeadline(conn, time.Time{})

	var resp reply
	if err := jsoniter.Unmarshal(message, &resp); err != nil {
		return entity.NoFace, fmt.Errorf("invalid inference reply: %w", err)
	}
	if resp.Error != "" {
		return entity.NoFace, fmt.Errorf("inference service error: %s", resp.Error)
	}

	return resp.DetectedFeatures, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}

	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	if err != nil {
		c.log.Debugf("Error sending close frame: %v", err)
	}
	err = c.conn.Close()
	c.conn = nil
	return err
}
