package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfuture/open-commerce/internal/gateway/interfaces"
)

// Payload is the normalized form of a webhook delivery, regardless of which
// payload schema carried it.
type Payload struct {
	OrderID uuid.UUID
	Report  interfaces.StatusReport
}

// v1 is the flat payload shape: {"order_id": "...", "status": "...", "context": "..."}.
type payloadV1 struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Context string `json:"context"`
}

// v2 is the event envelope shape:
// {"event":{"data":{"metadata":{"order_id":"..."},"timeline":[...]}}}.
type payloadV2 struct {
	Event *struct {
		Data struct {
			Metadata struct {
				OrderID string `json:"order_id"`
			} `json:"metadata"`
			Timeline []interfaces.StatusEvent `json:"timeline"`
		} `json:"data"`
	} `json:"event"`
}

// DecodePayload decodes a verified webhook body into the normalized Payload.
// Payloads without any order reference (third-party charges not created by
// this system) yield ErrNoOrderRef; an order reference that cannot be parsed
// yields ErrOrderNotFound, since it points at data the upstream thinks we own.
func DecodePayload(body []byte) (*Payload, error) {
	var envelope payloadV2
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	if envelope.Event != nil {
		data := envelope.Event.Data
		if data.Metadata.OrderID == "" {
			return nil, interfaces.ErrNoOrderRef
		}
		orderID, err := uuid.Parse(data.Metadata.OrderID)
		if err != nil {
			return nil, fmt.Errorf("unparseable order reference %q: %w", data.Metadata.OrderID, interfaces.ErrOrderNotFound)
		}
		return &Payload{
			OrderID: orderID,
			Report:  interfaces.StatusReport{Timeline: data.Timeline},
		}, nil
	}

	var flat payloadV1
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	if flat.OrderID == "" {
		return nil, interfaces.ErrNoOrderRef
	}
	orderID, err := uuid.Parse(flat.OrderID)
	if err != nil {
		return nil, fmt.Errorf("unparseable order reference %q: %w", flat.OrderID, interfaces.ErrOrderNotFound)
	}

	return &Payload{
		OrderID: orderID,
		Report:  interfaces.StatusReport{Status: flat.Status, Context: flat.Context},
	}, nil
}
