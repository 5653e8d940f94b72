package kds

import (
	"context"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"
)

// defaultStations is the station layout applied by demo seeding. SaveStation
// upserts by ID so re-running against an already seeded database is a no-op.
var defaultStations = []Station{
	{
		ID:           uuid.MustParse("6f1c9a10-0b6e-4f5d-9a1f-2b3c4d5e6f01"),
		Name:         "Grill",
		Category:     StationGrill,
		DisplayOrder: 1,
		Active:       true,
		Config: StationConfig{
			QueueWarnThreshold: 8,
			PrepTimeCritical:   20 * time.Minute,
			OverdueAfter:       15 * time.Minute,
			RecallWindow:       10 * time.Minute,
			SoundOnNew:         true,
		},
	},
	{
		ID:           uuid.MustParse("6f1c9a10-0b6e-4f5d-9a1f-2b3c4d5e6f02"),
		Name:         "Fryer",
		Category:     StationFryer,
		DisplayOrder: 2,
		Active:       true,
		Config: StationConfig{
			QueueWarnThreshold: 10,
			PrepTimeCritical:   12 * time.Minute,
			OverdueAfter:       10 * time.Minute,
			RecallWindow:       10 * time.Minute,
			SoundOnNew:         true,
		},
	},
	{
		ID:           uuid.MustParse("6f1c9a10-0b6e-4f5d-9a1f-2b3c4d5e6f03"),
		Name:         "Salad",
		Category:     StationSalad,
		DisplayOrder: 3,
		Active:       true,
		Config: StationConfig{
			QueueWarnThreshold: 6,
			PrepTimeCritical:   8 * time.Minute,
			OverdueAfter:       8 * time.Minute,
			RecallWindow:       5 * time.Minute,
		},
	},
	{
		ID:           uuid.MustParse("6f1c9a10-0b6e-4f5d-9a1f-2b3c4d5e6f04"),
		Name:         "Bar",
		Category:     StationBar,
		DisplayOrder: 4,
		Active:       true,
		Config: StationConfig{
			QueueWarnThreshold: 12,
			PrepTimeCritical:   6 * time.Minute,
			OverdueAfter:       6 * time.Minute,
			RecallWindow:       5 * time.Minute,
			AutoAdvance:        true,
		},
	},
	{
		ID:           uuid.MustParse("6f1c9a10-0b6e-4f5d-9a1f-2b3c4d5e6f05"),
		Name:         "Dessert",
		Category:     StationDessert,
		DisplayOrder: 5,
		Active:       true,
		Config: StationConfig{
			QueueWarnThreshold: 6,
			PrepTimeCritical:   10 * time.Minute,
			OverdueAfter:       10 * time.Minute,
			RecallWindow:       5 * time.Minute,
		},
	},
	{
		ID:           uuid.MustParse("6f1c9a10-0b6e-4f5d-9a1f-2b3c4d5e6f06"),
		Name:         "Expo",
		Category:     StationExpo,
		DisplayOrder: 6,
		Active:       true,
		Config: StationConfig{
			QueueWarnThreshold: 15,
			PrepTimeCritical:   25 * time.Minute,
			OverdueAfter:       20 * time.Minute,
			RecallWindow:       15 * time.Minute,
		},
	},
}

// ApplyDemoSeeds creates the default station set if enabled via config.
func ApplyDemoSeeds(ctx context.Context, config *aqm.Config, store EntryStore, logger aqm.Logger) error {
	enabled, _ := config.GetString("seed.demo.enabled")
	if enabled != "true" {
		return nil
	}

	logger.Info("Demo seeding enabled, applying default stations...")
	for _, station := range defaultStations {
		s := station
		if err := store.SaveStation(ctx, &s); err != nil {
			return fmt.Errorf("cannot seed station %s: %w", s.Name, err)
		}
	}

	logger.Info("Default stations seeded successfully", "count", len(defaultStations))
	return nil
}
