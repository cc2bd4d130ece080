package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/spf13/cobra"
)

// messageFlags describe an outgoing message
type messageFlags struct {
	messageType string
	body        string
	headers     []string
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.messageType, "type", "t", "", "Message type")
	cmd.Flags().StringVarP(&f.body, "body", "b", "", "Message body; @file reads a file")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "Header as key=value (repeatable)")
	cmd.MarkFlagRequired("type")
}

func (f *messageFlags) message() (*contracts.BinaryMessage, error) {
	body := []byte(f.body)
	if strings.HasPrefix(f.body, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(f.body, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		body = data
	}

	msg := contracts.NewBinaryMessage(body, f.messageType)
	for _, header := range f.headers {
		key, value, ok := strings.Cut(header, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q: expected key=value", header)
		}
		msg.SetHeader(key, value)
	}
	return msg, nil
}

func newSendCommand(opts *globalOptions) *cobra.Command {
	var (
		flags messageFlags
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <endpoint>",
		Short: "Send one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, false)
			if err != nil {
				return err
			}
			defer s.close()

			endpoint, err := s.endpoint(args[0])
			if err != nil {
				return err
			}
			msg, err := flags.message()
			if err != nil {
				return err
			}

			if err := s.engine.Send(endpoint, msg, ttl); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", msg.Type, endpoint)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Message time to live (0 = none)")
	return cmd
}

func newListenCommand(opts *globalOptions) *cobra.Command {
	var (
		messageType string
		group       string
		priority    uint
		ackDelay    time.Duration
		nack        bool
	)

	cmd := &cobra.Command{
		Use:   "listen <endpoint>",
		Short: "Print messages arriving at an endpoint until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := openSession(opts, true)
			if err != nil {
				return err
			}
			defer s.close()

			endpoint, err := s.endpoint(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			subscription, err := s.engine.Subscribe(endpoint, func(msg *contracts.BinaryMessage, ack messaging.AcknowledgeFunc) {
				printMessage(out, msg)
				ack(ackDelay, !nack)
			}, messageType, group, priority)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}
			defer subscription.Dispose()

			fmt.Fprintf(out, "Listening on %s... Press Ctrl+C to stop\n", endpoint)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&messageType, "type", "t", "", "Only accept this message type")
	cmd.Flags().StringVarP(&group, "group", "g", "listen", "Processing group")
	cmd.Flags().UintVarP(&priority, "priority", "p", 0, "Subscription priority (lower first)")
	cmd.Flags().DurationVar(&ackDelay, "ack-delay", 0, "Delay before acknowledging")
	cmd.Flags().BoolVar(&nack, "nack", false, "Reject messages instead of acknowledging them")
	return cmd
}

func newRequestCommand(opts *globalOptions) *cobra.Command {
	var (
		flags   messageFlags
		group   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request <endpoint>",
		Short: "Send a request and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			s, err := openSession(opts, false)
			if err != nil {
				return err
			}
			defer s.close()

			endpoint, err := s.endpoint(args[0])
			if err != nil {
				return err
			}
			msg, err := flags.message()
			if err != nil {
				return err
			}

			reply, err := s.engine.Request(ctx, endpoint, msg, group)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			printMessage(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&group, "group", "g", "request", "Processing group")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time to wait for the reply")
	return cmd
}

func newServeEchoCommand(opts *globalOptions) *cobra.Command {
	var (
		messageType string
		replyType   string
		group       string
	)

	cmd := &cobra.Command{
		Use:   "serve-echo <endpoint>",
		Short: "Answer every request with its own body until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := openSession(opts, true)
			if err != nil {
				return err
			}
			defer s.close()

			endpoint, err := s.endpoint(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			handler, err := s.engine.Serve(endpoint, echoHandler(replyType, func(msg *contracts.BinaryMessage) {
				printMessage(out, msg)
			}), messageType, group, 0)
			if err != nil {
				return fmt.Errorf("failed to serve: %w", err)
			}
			defer handler.Dispose()

			fmt.Fprintf(out, "Echoing requests on %s... Press Ctrl+C to stop\n", endpoint)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&messageType, "type", "t", "", "Only answer this request type")
	cmd.Flags().StringVar(&replyType, "reply-type", "", "Reply message type (default: request type)")
	cmd.Flags().StringVarP(&group, "group", "g", "echo", "Processing group")
	return cmd
}

// echoHandler answers with a copy of the request body and headers
func echoHandler(replyType string, observe func(*contracts.BinaryMessage)) func(*contracts.BinaryMessage) *contracts.BinaryMessage {
	return func(request *contracts.BinaryMessage) *contracts.BinaryMessage {
		observe(request)

		reply := request.Clone()
		delete(reply.Headers, contracts.HeaderReplyTo)
		if replyType != "" {
			reply.Type = replyType
		}
		return reply
	}
}
