// Package client speaks the graph host wire protocol from the viewer side.
package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"time"

	"graphhost/internal/wire"
)

type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

func Dial(ctx context.Context, address string) (*Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Subscribe(name string) error {
	return wire.WriteCommand(c.conn, wire.Command{Tag: wire.TagSubscribe, Name: name})
}

func (c *Client) Unsubscribe(name string) error {
	return wire.WriteCommand(c.conn, wire.Command{Tag: wire.TagUnsubscribe, Name: name})
}

func (c *Client) RequestList() error {
	return wire.WriteCommand(c.conn, wire.Command{Tag: wire.TagList})
}

// Next reads one server frame, waiting at most until deadline. A zero
// deadline waits forever.
func (c *Client) Next(deadline time.Time) (wire.ServerFrame, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return wire.ServerFrame{}, err
	}
	return wire.ReadServerFrame(c.r)
}

// List requests the series list and collects entries until the last one.
// The host sends nothing when no series exist, so a quiet period of idle
// ends the exchange with an empty result. Data frames that arrive meanwhile
// are passed to onData when it is not nil.
func (c *Client) List(ctx context.Context, idle time.Duration, onData func(wire.ServerFrame)) ([]string, error) {
	if err := c.RequestList(); err != nil {
		return nil, err
	}
	var names []string
	for {
		if err := ctx.Err(); err != nil {
			return names, err
		}
		f, err := c.Next(time.Now().Add(idle))
		if err != nil {
			if IsTimeout(err) && len(names) == 0 {
				return nil, nil
			}
			return names, err
		}
		switch f.Tag {
		case wire.TagListEntry:
			names = append(names, f.Name)
			if f.Last {
				return names, nil
			}
		case wire.TagData:
			if onData != nil {
				onData(f)
			}
		}
	}
}

func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
