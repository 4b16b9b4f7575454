package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/stompd/internal/client"
	"github.com/danmuck/stompd/internal/config"
	"github.com/danmuck/stompd/internal/protocol/frame"
	"github.com/spf13/cobra"
)

var errTimeout = errors.New("timed out waiting for broker")

func publishCmd() *cobra.Command {
	var (
		flags       profileFlags
		contentType string
		headers     []string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish <destination> [body]",
		Short: "Send one message; the body is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			var body []byte
			if len(args) == 2 {
				body = []byte(args[1])
			} else if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}
			h, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if contentType != "" {
				h.Set(frame.HeaderContentType, contentType)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return publish(ctx, p, args[0], body, h, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&contentType, "content-type", "t", "", "content-type header")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra header as key:value, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	return cmd
}

func subscribeCmd() *cobra.Command {
	var (
		flags   profileFlags
		count   int
		showHdr bool
	)
	cmd := &cobra.Command{
		Use:   "subscribe <destination>",
		Short: "Print messages from a destination until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return subscribe(ctx, p, args[0], count, showHdr, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many messages, 0 for no limit")
	cmd.Flags().BoolVar(&showHdr, "headers", false, "print message headers")
	return cmd
}

// session connects with p and waits for CONNECTED. Server and transport
// errors are forwarded to errs.
func session(ctx context.Context, p config.ClientProfile, opts ...client.Option) (*client.Client, <-chan error, error) {
	cfg, dialer, err := p.ClientConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := client.New(cfg, append([]client.Option{client.WithDialer(dialer)}, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	errs := make(chan error, 8)
	c.AddErrorHandler(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	connected := make(chan struct{})
	if err := c.Connect(ctx, func(string) {
		select {
		case <-connected:
		default:
			close(connected)
		}
	}); err != nil {
		return nil, nil, err
	}
	select {
	case <-connected:
		return c, errs, nil
	case err := <-errs:
		_ = c.Disconnect(nil, 0)
		return nil, nil, err
	case <-ctx.Done():
		_ = c.Disconnect(nil, 0)
		return nil, nil, errTimeout
	}
}

func publish(ctx context.Context, p config.ClientProfile, dest string, body []byte, h frame.Headers, out io.Writer) error {
	receipts := make(chan string, 1)
	c, errs, err := session(ctx, p, client.WithHandlers(client.Handlers{
		OnReceipt: func(id string) {
			select {
			case receipts <- id:
			default:
			}
		},
	}))
	if err != nil {
		return err
	}
	defer closeSession(c)

	receipt := fmt.Sprintf("stompctl-%d", time.Now().UnixNano())
	h.Set(frame.HeaderReceipt, receipt)
	if err := c.Publish(dest, body, h); err != nil {
		return err
	}
	select {
	case <-receipts:
		fmt.Fprintf(out, "published %d bytes to %s\n", len(body), dest)
		return nil
	case err := <-errs:
		return err
	case <-ctx.Done():
		return errTimeout
	}
}

func subscribe(ctx context.Context, p config.ClientProfile, dest string, count int, showHeaders bool, out io.Writer) error {
	c, errs, err := session(ctx, p)
	if err != nil {
		return err
	}
	defer closeSession(c)

	messages := make(chan string, 64)
	handler := func(body []byte, h frame.Headers) {
		var b strings.Builder
		if showHeaders {
			h.Range(func(k, v string) bool {
				fmt.Fprintf(&b, "%s:%s\n", k, v)
				return true
			})
		}
		b.Write(body)
		select {
		case messages <- b.String():
		case <-ctx.Done():
		}
	}
	if err := c.Subscribe(dest, handler, frame.Headers{}); err != nil {
		return err
	}

	seen := 0
	for {
		select {
		case msg := <-messages:
			fmt.Fprintln(out, msg)
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		case err := <-errs:
			var se *client.ServerError
			if errors.As(err, &se) {
				fmt.Fprintf(out, "error: %s\n", se.Message)
				continue
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func closeSession(c *client.Client) {
	done := make(chan struct{})
	if err := c.Disconnect(func() { close(done) }, 0); err != nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func parseHeaders(raw []string) (frame.Headers, error) {
	h := frame.NewHeaders()
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, ":")
		if !ok || strings.TrimSpace(key) == "" {
			return frame.Headers{}, fmt.Errorf("invalid header %q, want key:value", kv)
		}
		h.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return h, nil
}
