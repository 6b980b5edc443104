package riskengine

import (
	"context"
	"time"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/rules"
)

// highRiskCountries are elevated-scrutiny jurisdictions for the
// high_risk_country behavioral rule. Grounded in the teacher's scoring
// engine's highRiskCountries list.
var highRiskCountries = map[string]bool{
	"KP": true, "IR": true, "SY": true, "CU": true,
	"VE": true, "MM": true, "BY": true, "ZW": true,
}

// sanctionedCountries trip the hard gate, a stricter subset of the
// high-risk list reserved for OFAC-sanctioned jurisdictions. ISO 3166-1
// alpha-2 codes: North Korea, Iran, Syria, Cuba.
var sanctionedCountries = map[string]bool{
	"KP": true, "IR": true, "SY": true, "CU": true,
}

// buildContext derives the flat evaluation fields the rule conditions read,
// combining the event's own payload with velocity/state lookups. It is the
// only place that talks to the velocity store, so failures there surface as
// a single error the caller fails open on.
func (e *Engine) buildContext(ctx context.Context, event models.Event) (rules.EvalContext, error) {
	evalCtx := rules.EvalContext{
		"hour":    float64(event.Timestamp.Hour()),
		"country": event.Context.Country,
	}

	if amount, ok := event.Payload["amount"]; ok {
		evalCtx["amount"] = amount
	} else {
		evalCtx["amount"] = float64(0)
	}

	evalCtx["is_high_risk_country"] = highRiskCountries[event.Context.Country]
	evalCtx["is_sanctioned_country"] = sanctionedCountries[event.Context.Country]

	userID := event.Actor.UserID
	if userID == "" {
		evalCtx["is_new_location"] = false
		evalCtx["impossible_travel"] = false
		evalCtx["transaction_velocity_1h"] = float64(0)
		evalCtx["new_devices_in_window"] = float64(0)
		return evalCtx, nil
	}

	if event.EventType == models.EventTypeLogin || event.EventType == models.EventTypeAuth {
		impossible, isNew, err := e.evaluateTravel(ctx, event, userID)
		if err != nil {
			return nil, err
		}
		evalCtx["impossible_travel"] = impossible
		evalCtx["is_new_location"] = isNew
	} else {
		evalCtx["impossible_travel"] = false
		evalCtx["is_new_location"] = false
	}

	if event.EventType == models.EventTypeTransaction || event.EventType == models.EventTypeTransactionAttempt {
		count, err := e.velocity.IncrementCounter(ctx, event.OrgID, userID, "tx_hourly", e.cfg.RapidTxWindow)
		if err != nil {
			return nil, err
		}
		evalCtx["transaction_velocity_1h"] = float64(count)
	} else {
		evalCtx["transaction_velocity_1h"] = float64(0)
	}

	newDeviceCount, err := e.evaluateDevice(ctx, event, userID)
	if err != nil {
		return nil, err
	}
	evalCtx["new_devices_in_window"] = float64(newDeviceCount)

	return evalCtx, nil
}

// evaluateTravel implements the impossible-travel velocity check (spec
// §4.2): on a login event, compare against the user's last known location
// using great-circle distance divided by elapsed time against a speed
// ceiling, then always refresh LastLocation.
func (e *Engine) evaluateTravel(ctx context.Context, event models.Event, userID string) (impossible, isNewLocation bool, err error) {
	last, err := e.velocity.GetLocation(ctx, event.OrgID, userID)
	if err != nil {
		return false, false, err
	}

	lat, lon := event.Context.Lat, event.Context.Lon

	defer func() {
		if serr := e.velocity.SetLocation(ctx, event.OrgID, userID, lat, lon, event.Timestamp, e.cfg.LastLocationTTL); serr != nil {
			err = serr
		}
	}()

	if last == nil {
		return false, true, nil
	}

	distance := haversineMiles(last.Lat, last.Lon, lat, lon)
	elapsed := event.Timestamp.Sub(last.SeenAt)
	if elapsed <= 0 {
		elapsed = time.Second
	}

	impliedSpeed := distance / elapsed.Hours()

	if distance > e.cfg.ImpossibleTravelDistanceMi && impliedSpeed > e.cfg.ImpossibleTravelSpeedMph {
		return true, false, nil
	}
	return false, false, nil
}

// evaluateDevice implements the multi-device velocity check (spec §4.2):
// unrecognized device fingerprints are added to a rolling window; once the
// window's cardinality exceeds the configured threshold it triggers, and the
// fingerprint is cached as known going forward.
func (e *Engine) evaluateDevice(ctx context.Context, event models.Event, userID string) (int64, error) {
	fp := event.Actor.DeviceFP
	if fp == "" {
		return 0, nil
	}

	known, err := e.velocity.HasDevice(ctx, event.OrgID, userID, fp)
	if err != nil {
		return 0, err
	}
	if known {
		return 0, nil
	}

	windowCount, err := e.velocity.RecordNewDeviceSeen(ctx, event.OrgID, userID, fp, e.cfg.MultiDeviceWindow)
	if err != nil {
		return 0, err
	}

	if err := e.velocity.AddDevice(ctx, event.OrgID, userID, fp, e.cfg.KnownDeviceTTL); err != nil {
		return 0, err
	}

	return windowCount, nil
}
