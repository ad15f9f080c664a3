// Package events delivers committed warehouse events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/propagation"

	"bookwarehouse/pkg/warehouse"
)

// ContentType of every published payload.
const ContentType = "application/json"

// HeaderEventType carries the event type next to the payload so consumers
// can route without decoding it.
const HeaderEventType = "event-type"

var propagator = propagation.TraceContext{}

func encode(e warehouse.Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return body, nil
}

// inject writes the trace context of ctx into carrier.
func inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	propagator.Inject(ctx, carrier)
}
