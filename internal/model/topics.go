package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire sentinels understood by the controller firmware.
const (
	// PayloadNull on a time topic cancels the timer, or triggers the release
	// immediately when it is the only command sent.
	PayloadNull = "null"
	// PayloadZero on a volume topic means no volume.
	PayloadZero = "0"
)

// ScheduleDateLayout is the payload format of the schedule date topic.
const ScheduleDateLayout = "2006-01-02"

// TimeTopic is the time topic of release index (0-based).
func TimeTopic(deviceAddress string, index int) string {
	return fmt.Sprintf("%s/schedule_time%d", deviceAddress, index+1)
}

// VolumeTopic is the volume topic of release index (0-based).
func VolumeTopic(deviceAddress string, index int) string {
	return fmt.Sprintf("%s/schedule_volume%d", deviceAddress, index+1)
}

func DateTopic(deviceAddress string) string {
	return deviceAddress + "/schedule_date"
}

func WaterVolumeTopic(deviceAddress string) string {
	return deviceAddress + "/water_volume"
}

// TankTopic joins a device address and a tank suffix such as fertilizer_1.
func TankTopic(deviceAddress, suffix string) string {
	return deviceAddress + "/" + suffix
}

// FormatQuantity renders a quantity as decimal text. Whole numbers keep one
// fractional digit ("1.0"), everything else uses the shortest exact form.
func FormatQuantity(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
