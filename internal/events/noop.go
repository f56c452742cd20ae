package events

import (
	"context"
	"errors"
)

// NoopPublisher is a Publisher that does nothing (used when no bus is configured).
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}

// MultiPublisher fans each event out to several publishers.
type MultiPublisher []Publisher

// NewMultiPublisher drops nil entries and returns a NoopPublisher when none
// remain.
func NewMultiPublisher(pubs ...Publisher) Publisher {
	var m MultiPublisher
	for _, p := range pubs {
		if p != nil {
			m = append(m, p)
		}
	}
	switch len(m) {
	case 0:
		return &NoopPublisher{}
	case 1:
		return m[0]
	}
	return m
}

// Publish sends to every publisher and joins their errors.
func (m MultiPublisher) Publish(ctx context.Context, topic string, event any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
