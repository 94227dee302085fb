package acquisition

import (
	"sort"
	"time"
)

// Quality marks whether a reading is usable.
type Quality int

const (
	QualityGood Quality = 0
	QualityBad  Quality = 1
)

// QualityOf derives quality from the value: bad iff null.
func QualityOf(v Value) Quality {
	if v.IsNull() {
		return QualityBad
	}
	return QualityGood
}

func (q Quality) String() string {
	if q == QualityGood {
		return "good"
	}
	return "bad"
}

// DataPoint is one persisted time-series sample.
type DataPoint struct {
	Timestamp time.Time
	DeviceID  string
	TagName   string
	Value     Value
	Quality   Quality
}

// TagReading is a single tag inside a poll sample.
type TagReading struct {
	Value     Value     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Quality   string    `json:"quality"`
}

// Sample is the result of one successful poll of a device.
type Sample struct {
	Timestamp time.Time             `json:"timestamp"`
	DeviceID  string                `json:"device_id"`
	Tags      map[string]TagReading `json:"tags"`
}

// NewSample builds a sample from raw driver output, deriving quality per tag.
func NewSample(deviceID string, at time.Time, raw map[string]Value) Sample {
	tags := make(map[string]TagReading, len(raw))
	for name, value := range raw {
		tags[name] = TagReading{
			Value:     value,
			Timestamp: at,
			Quality:   QualityOf(value).String(),
		}
	}
	return Sample{Timestamp: at, DeviceID: deviceID, Tags: tags}
}

// TagNames returns the sample's tag names sorted.
func (s Sample) TagNames() []string {
	names := make([]string, 0, len(s.Tags))
	for name := range s.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Points flattens a sample into persistable data points ordered by tag name.
func (s Sample) Points() []DataPoint {
	points := make([]DataPoint, 0, len(s.Tags))
	for _, name := range s.TagNames() {
		reading := s.Tags[name]
		points = append(points, DataPoint{
			Timestamp: s.Timestamp,
			DeviceID:  s.DeviceID,
			TagName:   name,
			Value:     reading.Value,
			Quality:   QualityOf(reading.Value),
		})
	}
	return points
}
