package writer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/XavierBriggs/Argus/internal/broadcast"
	"github.com/XavierBriggs/Argus/pkg/models"
)

type published struct {
	topic   string
	msgType string
	data    any
}

type captureBroadcaster struct {
	messages []published
}

func (b *captureBroadcaster) Publish(topic, msgType string, data any) {
	b.messages = append(b.messages, published{topic, msgType, data})
}

func (b *captureBroadcaster) onTopic(topic string) []published {
	var out []published
	for _, m := range b.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func newAnnounceWriter(b Broadcaster) *Writer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, nil, b, nil, "", logger)
}

func TestAnnounce_OneEnvelopePerTopic(t *testing.T) {
	hub := &captureBroadcaster{}
	w := newAnnounceWriter(hub)

	now := time.Now().UTC()
	line := 2.5
	alert := func(eventID int64, sev models.Severity) models.RiskAlert {
		return models.RiskAlert{
			EventID:     eventID,
			BookSlug:    "primary",
			MarketID:    "total_goals",
			Line:        &line,
			OutcomeName: "Over",
			Type:        models.AlertPriceChange,
			Severity:    sev,
			DetectedAt:  now,
			Status:      models.AlertNew,
		}
	}

	w.announce(context.Background(), &models.WriteBatch{
		CycleID:         7,
		BatchID:         2,
		ChangedEventIDs: []int64{10, 11, 12},
		ChangedCount:    5,
		Alerts: []models.RiskAlert{
			alert(10, models.SeverityWarning),
			alert(11, models.SeverityCritical),
		},
		Unmapped: []models.UnmappedMarket{
			{BookSlug: "comp_a", RawMarketID: "900001", FreshlySeen: true, SampleOutcomes: []string{"Yes", "No"}},
			{BookSlug: "comp_a", RawMarketID: "900002", FreshlySeen: false},
			{BookSlug: "comp_b", RawMarketID: "MX", FreshlySeen: true},
		},
	})

	odds := hub.onTopic(broadcast.TopicOddsUpdates)
	if len(odds) != 1 {
		t.Fatalf("got %d odds_updates messages for one commit, want 1", len(odds))
	}
	update := odds[0].data.(oddsUpdate)
	if odds[0].msgType != "odds_update" || len(update.EventIDs) != 3 || update.ChangedCount != 5 {
		t.Errorf("unexpected odds update %q %+v", odds[0].msgType, update)
	}

	alerts := hub.onTopic(broadcast.TopicRiskAlerts)
	if len(alerts) != 1 {
		t.Fatalf("got %d risk_alerts messages for one commit, want 1", len(alerts))
	}
	notice := alerts[0].data.(riskAlertNotice)
	if notice.AlertCount != 2 || len(notice.EventIDs) != 2 || len(notice.Severities) != 2 {
		t.Errorf("unexpected alert notice %+v", notice)
	}

	unmapped := hub.onTopic(broadcast.TopicUnmappedAlerts)
	if len(unmapped) != 1 {
		t.Fatalf("got %d unmapped_alerts messages, want 1", len(unmapped))
	}
	un := unmapped[0].data.(unmappedNotice)
	if unmapped[0].msgType != "unmapped_alert" || un.NewCount != 2 || len(un.Samples) != 2 {
		t.Errorf("unexpected unmapped notice %q %+v", unmapped[0].msgType, un)
	}
	for _, s := range un.Samples {
		if !s.FreshlySeen {
			t.Error("samples must only carry freshly seen records")
		}
	}
}

func TestAnnounce_RepeatedAlertFieldsDeduped(t *testing.T) {
	hub := &captureBroadcaster{}
	w := newAnnounceWriter(hub)

	now := time.Now().UTC()
	alerts := make([]models.RiskAlert, 4)
	for i := range alerts {
		alerts[i] = models.RiskAlert{
			EventID:     42,
			BookSlug:    "primary",
			MarketID:    "1x2_ft",
			OutcomeName: "Home",
			Type:        models.AlertPriceChange,
			Severity:    models.SeverityWarning,
			DetectedAt:  now,
			Status:      models.AlertNew,
		}
	}

	w.announce(context.Background(), &models.WriteBatch{
		CycleID: 1,
		Alerts:  alerts,
	})

	got := hub.onTopic(broadcast.TopicRiskAlerts)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	notice := got[0].data.(riskAlertNotice)
	if notice.AlertCount != 4 {
		t.Errorf("alert_count %d, want 4", notice.AlertCount)
	}
	if len(notice.EventIDs) != 1 || notice.EventIDs[0] != 42 {
		t.Errorf("event ids %v, want [42]", notice.EventIDs)
	}
	if len(notice.Severities) != 1 || notice.Severities[0] != models.SeverityWarning {
		t.Errorf("severities %v, want [warning]", notice.Severities)
	}
}

func TestAnnounce_QuietCommitPublishesNothing(t *testing.T) {
	hub := &captureBroadcaster{}
	w := newAnnounceWriter(hub)

	w.announce(context.Background(), &models.WriteBatch{
		CycleID: 3,
		Unmapped: []models.UnmappedMarket{
			{BookSlug: "comp_a", RawMarketID: "900001", FreshlySeen: false},
		},
	})

	if len(hub.messages) != 0 {
		t.Errorf("confirm-only commit published %d messages, want 0", len(hub.messages))
	}
}

func TestAnnounce_SampleCap(t *testing.T) {
	hub := &captureBroadcaster{}
	w := newAnnounceWriter(hub)

	fresh := make([]models.UnmappedMarket, unmappedSampleCap+3)
	for i := range fresh {
		fresh[i] = models.UnmappedMarket{
			BookSlug:    "comp_b",
			RawMarketID: "M" + string(rune('A'+i)),
			FreshlySeen: true,
		}
	}

	w.announce(context.Background(), &models.WriteBatch{CycleID: 4, Unmapped: fresh})

	got := hub.onTopic(broadcast.TopicUnmappedAlerts)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	un := got[0].data.(unmappedNotice)
	if un.NewCount != unmappedSampleCap+3 {
		t.Errorf("new_count %d, want %d", un.NewCount, unmappedSampleCap+3)
	}
	if len(un.Samples) != unmappedSampleCap {
		t.Errorf("samples %d, want %d", len(un.Samples), unmappedSampleCap)
	}
}
