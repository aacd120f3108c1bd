package song

// TrackStats describes one track of a song.
type TrackStats struct {
	Track      int            `json:"track"`
	Events     int            `json:"events"`
	Commands   map[string]int `json:"commands"`
	MinGapMs   int64          `json:"min_gap_ms"`
	MaxGapMs   int64          `json:"max_gap_ms"`
	MeanGapMs  float64        `json:"mean_gap_ms"`
	DurationMs int64          `json:"duration_ms"`
}

// Stats describes a whole song.
type Stats struct {
	Name       string       `json:"name"`
	Events     int          `json:"events"`
	DurationMs int64        `json:"duration_ms"`
	Tracks     []TrackStats `json:"tracks"`
}

var commandNames = map[uint8]string{
	0x80: "note_off",
	0x90: "note_on",
	0xA0: "aftertouch",
	0xB0: "control_change",
	0xC0: "program_change",
	0xD0: "channel_pressure",
	0xE0: "pitch_bend",
}

// Stats counts commands and measures the gaps between consecutive events of
// every track.
func (s *Song) Stats() Stats {
	st := Stats{
		Name:       s.Name,
		Events:     s.Events(),
		DurationMs: s.DurationMs(),
	}
	for i, events := range s.Tracks {
		ts := TrackStats{Track: i, Events: len(events), Commands: map[string]int{}}
		var gapSum int64
		for j, ev := range events {
			ts.Commands[commandNames[ev.Status&0xF0]]++
			if j == 0 {
				continue
			}
			gap := int64(ev.TimestampMs) - int64(events[j-1].TimestampMs)
			if j == 1 || gap < ts.MinGapMs {
				ts.MinGapMs = gap
			}
			ts.MaxGapMs = max(ts.MaxGapMs, gap)
			gapSum += gap
		}
		if len(events) > 1 {
			ts.MeanGapMs = float64(gapSum) / float64(len(events)-1)
		}
		if len(events) > 0 {
			ts.DurationMs = int64(events[len(events)-1].TimestampMs - events[0].TimestampMs)
		}
		st.Tracks = append(st.Tracks, ts)
	}
	return st
}
