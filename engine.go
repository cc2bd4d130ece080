// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package relay wires transports, processing groups and subscriptions into an
// Engine that sends, publishes, subscribes and answers requests over named
// endpoints.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/serialization"
	"github.com/glimte/mmate-relay/transports/inmemory"
	"github.com/glimte/mmate-relay/transports/rabbitmq"
	"github.com/glimte/mmate-relay/transports/redis"
	"github.com/google/uuid"
)

// DefaultGroup is the processing group used when none is given
const DefaultGroup = "default"

// Engine is the entry point of mmate-relay. It owns the transport registry, the
// transport manager, the subscription manager and the message codec.
type Engine struct {
	registry      *messaging.TransportRegistry
	transports    *messaging.TransportManager
	subscriptions *messaging.SubscriptionManager
	endpoints     messaging.EndpointResolver
	codec         *serialization.Codec
	sendGroup     string
	logger        *slog.Logger
}

// engineConfig holds engine configuration
type engineConfig struct {
	logger      *slog.Logger
	factories   []messaging.TransportFactory
	groups      map[string]contracts.ProcessingGroupInfo
	endpoints   messaging.EndpointResolver
	metrics     messaging.MetricsCollector
	serializers *serialization.Registry
	types       *serialization.TypeRegistry
	sendGroup   string
}

// EngineOption configures the engine
type EngineOption func(*engineConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) EngineOption {
	return func(cfg *engineConfig) {
		cfg.logger = logger
	}
}

// WithFactories replaces the built-in InMemory, RabbitMq and Redis factories
func WithFactories(factories ...messaging.TransportFactory) EngineOption {
	return func(cfg *engineConfig) {
		cfg.factories = factories
	}
}

// WithProcessingGroups configures worker pools by group name
func WithProcessingGroups(groups map[string]contracts.ProcessingGroupInfo) EngineOption {
	return func(cfg *engineConfig) {
		cfg.groups = groups
	}
}

// WithEndpoints sets the resolver used for logical endpoint names
func WithEndpoints(endpoints messaging.EndpointResolver) EngineOption {
	return func(cfg *engineConfig) {
		cfg.endpoints = endpoints
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) EngineOption {
	return func(cfg *engineConfig) {
		cfg.metrics = metrics
	}
}

// WithSerializers sets the serializer registry
func WithSerializers(serializers *serialization.Registry) EngineOption {
	return func(cfg *engineConfig) {
		cfg.serializers = serializers
	}
}

// WithTypeRegistry sets the type registry used to tag typed messages
func WithTypeRegistry(types *serialization.TypeRegistry) EngineOption {
	return func(cfg *engineConfig) {
		cfg.types = types
	}
}

// WithSendGroup sets the processing group used for sending
func WithSendGroup(name string) EngineOption {
	return func(cfg *engineConfig) {
		cfg.sendGroup = name
	}
}

// NewEngine creates an engine. resubscriptionInterval is required.
func NewEngine(transports messaging.TransportResolver, resubscriptionInterval time.Duration, options ...EngineOption) (*Engine, error) {
	cfg := &engineConfig{
		logger:    slog.Default(),
		endpoints: messaging.MapEndpointResolver{},
		sendGroup: DefaultGroup,
	}
	for _, opt := range options {
		opt(cfg)
	}

	if transports == nil {
		return nil, errors.New("transport resolver cannot be nil")
	}
	if cfg.factories == nil {
		cfg.factories = []messaging.TransportFactory{
			inmemory.NewFactory(inmemory.WithLogger(cfg.logger)),
			rabbitmq.NewFactory(rabbitmq.WithLogger(cfg.logger)),
			redis.NewFactory(redis.WithLogger(cfg.logger)),
		}
	}
	if cfg.serializers == nil {
		cfg.serializers = serialization.NewRegistry()
	}
	if cfg.types == nil {
		cfg.types = serialization.NewTypeRegistry()
	}

	registry := messaging.NewTransportRegistry(
		messaging.WithRegistryLogger(cfg.logger),
		messaging.WithFactories(cfg.factories...),
	)
	manager := messaging.NewTransportManager(transports, nil,
		messaging.WithTransportManagerLogger(cfg.logger),
		messaging.WithRegistry(registry),
	)

	subOptions := []messaging.SubscriptionManagerOption{
		messaging.WithSubscriptionLogger(cfg.logger),
		messaging.WithProcessingGroups(cfg.groups),
	}
	if cfg.metrics != nil {
		subOptions = append(subOptions, messaging.WithMetrics(cfg.metrics))
	}

	subscriptions, err := messaging.NewSubscriptionManager(manager, resubscriptionInterval, subOptions...)
	if err != nil {
		manager.Close()
		registry.Close()
		return nil, fmt.Errorf("failed to create subscription manager: %w", err)
	}

	return &Engine{
		registry:      registry,
		transports:    manager,
		subscriptions: subscriptions,
		endpoints:     cfg.endpoints,
		codec:         serialization.NewCodec(cfg.serializers, cfg.types),
		sendGroup:     cfg.sendGroup,
		logger:        cfg.logger,
	}, nil
}

// NewEngineFromConfig creates an engine from a loaded configuration. Options
// are applied after the configuration.
func NewEngineFromConfig(cfg *config.Config, options ...EngineOption) (*Engine, error) {
	base := []EngineOption{
		WithEndpoints(cfg),
		WithProcessingGroups(cfg.ProcessingGroups),
	}
	return NewEngine(cfg, cfg.ResubscriptionInterval, append(base, options...)...)
}

// Types returns the type registry used for typed messages
func (e *Engine) Types() *serialization.TypeRegistry {
	return e.codec.Types()
}

// Codec returns the message codec
func (e *Engine) Codec() *serialization.Codec {
	return e.codec
}

// Registry returns the transport registry
func (e *Engine) Registry() *messaging.TransportRegistry {
	return e.registry
}

// Subscriptions returns the subscription manager
func (e *Engine) Subscriptions() *messaging.SubscriptionManager {
	return e.subscriptions
}

// Endpoint resolves a logical endpoint name
func (e *Engine) Endpoint(name string) (contracts.Endpoint, error) {
	return e.endpoints.ResolveEndpoint(name)
}

// Send sends msg to endpoint. ttl <= 0 means no expiry.
func (e *Engine) Send(endpoint contracts.Endpoint, msg *contracts.BinaryMessage, ttl time.Duration) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	return e.sendTo(endpoint.TransportID, e.sendGroup, endpoint.Destination, msg.Clone(), ttl)
}

func (e *Engine) sendTo(transportID, groupName, destination string, msg *contracts.BinaryMessage, ttl time.Duration) error {
	group, _, err := e.transports.GetProcessingGroup(transportID, groupName, nil)
	if err != nil {
		return fmt.Errorf("failed to get processing group: %w", err)
	}
	if err := group.Send(destination, msg, ttl); err != nil {
		return fmt.Errorf("failed to send to %s: %w", destination, err)
	}
	return nil
}

// Publish encodes v with the endpoint's serialization format, stamps a fresh
// MessageId header and sends it.
// The type of v must be registered.
func (e *Engine) Publish(endpoint contracts.Endpoint, v any, ttl time.Duration) error {
	msg, err := e.codec.Encode(endpoint.Format(), v)
	if err != nil {
		return err
	}
	msg.SetHeader(contracts.HeaderMessageID, uuid.NewString())
	return e.sendTo(endpoint.TransportID, e.sendGroup, endpoint.Destination, msg, ttl)
}

// Subscribe subscribes callback to endpoint through the subscription manager.
// The subscription survives transport failures until it is disposed.
func (e *Engine) Subscribe(endpoint contracts.Endpoint, callback messaging.CallbackFunc, messageType, groupName string, priority uint) (messaging.Disposable, error) {
	return e.subscriptions.Subscribe(endpoint, callback, messageType, groupName, priority)
}

// Request sends msg to endpoint and waits for the first reply or ctx
func (e *Engine) Request(ctx context.Context, endpoint contracts.Endpoint, msg *contracts.BinaryMessage, groupName string) (*contracts.BinaryMessage, error) {
	if msg == nil {
		return nil, errors.New("request message cannot be nil")
	}

	group, _, err := e.transports.GetProcessingGroup(endpoint.TransportID, groupName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get processing group: %w", err)
	}

	replies := make(chan *contracts.BinaryMessage, 1)
	handle, err := group.SendRequest(endpoint.Destination, msg.Clone(), func(reply *contracts.BinaryMessage) {
		select {
		case replies <- reply:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer handle.Dispose()

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request to %s: %w", endpoint, ctx.Err())
	}
}

// Serve answers requests arriving at endpoint. It subscribes through the
// subscription manager, so the handler is resubscribed after transport failures.
// Messages without a reply address are acknowledged and dropped; a nil response
// sends nothing.
func (e *Engine) Serve(endpoint contracts.Endpoint, handler func(*contracts.BinaryMessage) *contracts.BinaryMessage, messageType, groupName string, priority uint) (messaging.Disposable, error) {
	if handler == nil {
		return nil, errors.New("request handler cannot be nil")
	}

	return e.subscriptions.Subscribe(endpoint, func(request *contracts.BinaryMessage, ack messaging.AcknowledgeFunc) {
		replyTo, ok := messaging.ReplyAddress(request)
		if !ok {
			ack(0, true)
			return
		}

		response := handler(request)
		if response == nil {
			ack(0, true)
			return
		}
		messaging.Correlate(request, response)

		if err := e.sendTo(endpoint.TransportID, groupName, replyTo, response, 0); err != nil {
			e.logger.Warn("failed to send response",
				"destination", endpoint.Destination,
				"replyTo", replyTo,
				"error", err,
			)
			ack(0, false)
			return
		}
		ack(0, true)
	}, messageType, groupName, priority)
}

// Stats returns worker pool statistics by processing group
func (e *Engine) Stats() map[string]messaging.WorkerPoolStats {
	return e.subscriptions.Stats()
}

// Close disposes every subscription and closes every transport
func (e *Engine) Close() error {
	var errs []error
	if err := e.subscriptions.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.transports.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
