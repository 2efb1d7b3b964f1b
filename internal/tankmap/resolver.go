package tankmap

import (
	"context"
	"log"

	"github.com/LeonardoBeccarini/greenhouse_fertigation/internal/model"
)

var slotTopics = map[model.TankSlot]string{
	model.SlotA: "fertilizer_1",
	model.SlotB: "fertilizer_2",
	model.SlotC: "fertilizer_3",
}

var topicSlots = map[string]model.TankSlot{
	"fertilizer_1": model.SlotA,
	"fertilizer_2": model.SlotB,
	"fertilizer_3": model.SlotC,
}

// SlotToTopic returns the topic suffix of a slot, or "" for an unknown slot.
func SlotToTopic(slot model.TankSlot) string {
	return slotTopics[slot]
}

// TopicToSlot is the inverse of SlotToTopic.
func TopicToSlot(suffix string) model.TankSlot {
	return topicSlots[suffix]
}

// TankSource is the part of the store the resolver reads.
type TankSource interface {
	TankConfigurations(ctx context.Context, tunnelID int64) ([]model.TankConfiguration, error)
}

// Resolver finds which slot of a tunnel holds an item. Lookups never fail:
// a store error is logged and reported as unresolved.
type Resolver struct {
	src    TankSource
	logger *log.Logger
}

func NewResolver(src TankSource, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{src: src, logger: logger}
}

func (r *Resolver) ResolveSlotForItem(ctx context.Context, tunnelID, itemID int64) (model.TankSlot, bool) {
	if itemID == 0 {
		return "", false
	}
	return r.find(ctx, tunnelID, func(tc model.TankConfiguration) bool {
		return tc.Content == model.ContentFertilizer && tc.ItemID == itemID
	})
}

func (r *Resolver) ResolveWaterSlot(ctx context.Context, tunnelID int64) (model.TankSlot, bool) {
	return r.find(ctx, tunnelID, func(tc model.TankConfiguration) bool {
		return tc.Content == model.ContentWater
	})
}

func (r *Resolver) find(ctx context.Context, tunnelID int64, match func(model.TankConfiguration) bool) (model.TankSlot, bool) {
	if r == nil || r.src == nil {
		return "", false
	}
	configs, err := r.src.TankConfigurations(ctx, tunnelID)
	if err != nil {
		r.logger.Printf("tankmap: tunnel %d: load tank configurations: %v", tunnelID, err)
		return "", false
	}
	// configurations come back in slot order, so the first match is stable
	for _, tc := range configs {
		if tc.TunnelID != tunnelID || !tc.Slot.Valid() {
			continue
		}
		if match(tc) {
			return tc.Slot, true
		}
	}
	return "", false
}
