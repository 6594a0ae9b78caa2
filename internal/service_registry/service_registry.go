package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/pet-feeder/internal/registry"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/rs/zerolog"
)

// ServiceRegistry starts services in registration order and stops them in reverse.
type ServiceRegistry struct {
	services *orderedmap.OrderedMap[string, registry.Service]
	started  []string
	Logger   zerolog.Logger
}

// NewServiceRegistry initializes an empty registry.
func NewServiceRegistry(logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: orderedmap.NewOrderedMap[string, registry.Service](),
		Logger:   logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services.Get(name); exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services.Set(name, svc)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Names returns the registered service names in start order.
func (sr *ServiceRegistry) Names() []string {
	return sr.services.Keys()
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	sr.started = sr.started[:0]
	for el := sr.services.Front(); el != nil; el = el.Next() {
		sr.Logger.Info().Msgf("Starting service: %s", el.Key)
		if err := el.Value.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", el.Key)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			_ = sr.StopServices()
			return fmt.Errorf("failed to start %s: %w", el.Key, err)
		}
		sr.started = append(sr.started, el.Key)
	}
	return nil
}

// StopServices stops every started service in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.started) - 1; i >= 0; i-- {
		name := sr.started[i]
		svc, _ := sr.services.Get(name)
		sr.Logger.Info().Msgf("Stopping service: %s", name)
		if err := svc.Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	sr.started = sr.started[:0]
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}
