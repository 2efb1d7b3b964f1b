package model

// Tunnel is a greenhouse enclosure driven by a single controller device.
type Tunnel struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	DeviceAddress string `json:"device_address"` // topic prefix of the controller
}

// TankSlot is one of the three physical reservoirs of a tunnel controller.
type TankSlot string

const (
	SlotA TankSlot = "A"
	SlotB TankSlot = "B"
	SlotC TankSlot = "C"
)

// Slots lists the tank slots in wire order.
var Slots = []TankSlot{SlotA, SlotB, SlotC}

// Valid reports whether s names one of the three physical slots.
func (s TankSlot) Valid() bool {
	return s == SlotA || s == SlotB || s == SlotC
}

// TankContent tells what a slot is filled with.
type TankContent string

const (
	ContentWater      TankContent = "water"
	ContentFertilizer TankContent = "fertilizer"
)

// TankConfiguration binds a slot of a tunnel to water or to a catalog item.
type TankConfiguration struct {
	TunnelID int64       `json:"tunnel_id"`
	Slot     TankSlot    `json:"slot"`
	Content  TankContent `json:"content"`
	ItemID   int64       `json:"item_id,omitempty"` // only for fertilizer
}

// FertilizerItem is catalog reference data.
type FertilizerItem struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Unit     string `json:"unit"`
}
