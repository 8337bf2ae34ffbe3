package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// CreateReservation creates a reservation through the REST path.
func (c *Client) CreateReservation(ctx context.Context, req ReservationRequest) (*Reservation, error) {
	var resp ReservationResponse
	if err := c.post(ctx, "/reservations", uuid.NewString(), req, &resp); err != nil {
		return nil, fmt.Errorf("create reservation %s: %w", req.SlotID, err)
	}
	return &resp.Reservation, nil
}

// ListProviderSlots fetches the current slot records of a provider.
func (c *Client) ListProviderSlots(ctx context.Context, providerID string) (*SlotsResponse, error) {
	var resp SlotsResponse
	if err := c.get(ctx, "/providers/"+url.PathEscape(providerID)+"/slots", nil, &resp); err != nil {
		return nil, fmt.Errorf("list slots for provider %s: %w", providerID, err)
	}
	return &resp, nil
}
