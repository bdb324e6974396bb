package health

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/internal/registry"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func device(id string, online bool, battery float64, seenAgo time.Duration) registry.DeviceStatus {
	return registry.DeviceStatus{
		SensorID:       id,
		Online:         online,
		BatteryLevel:   reading.Float(battery),
		NetworkLatency: reading.Float(40),
		LastSeen:       now.Add(-seenAgo),
	}
}

func TestConnectivityHalfOnline(t *testing.T) {
	devices := []registry.DeviceStatus{
		device("s1", true, 90, time.Minute),
		device("s2", true, 80, time.Minute),
		device("s3", false, 70, 5*time.Minute),
		device("s4", false, 60, 5*time.Minute),
	}
	score := Evaluate(devices, nil, now, DefaultOptions)

	if score.ConnectivityScore != 50 {
		t.Errorf("Expected connectivity 50, got %v", score.ConnectivityScore)
	}
	if score.OnlineSensors != 2 || score.TotalSensors != 4 {
		t.Errorf("Expected 2/4 online, got %d/%d", score.OnlineSensors, score.TotalSensors)
	}
	if score.UptimeScore != 100 {
		t.Errorf("Expected all sensors seen within 10m, got %v", score.UptimeScore)
	}
}

func TestCriticalBattery(t *testing.T) {
	devices := []registry.DeviceStatus{
		device("s1", true, 3, time.Minute),
		device("s2", true, 90, time.Minute),
	}
	score := Evaluate(devices, nil, now, DefaultOptions)

	if score.BatteryScore == nil || *score.BatteryScore != 0 {
		t.Errorf("Expected battery score 0 below the floor, got %v", score.BatteryScore)
	}
	if len(score.Alerts) == 0 {
		t.Fatal("Expected an alert")
	}
	a := score.Alerts[0]
	if a.SensorID != "s1" || a.Severity != SeverityCritical || a.Kind != KindBattery {
		t.Errorf("Expected critical battery alert for s1 first, got %+v", a)
	}
}

func TestBatteryScoreLinear(t *testing.T) {
	cases := map[float64]float64{100: 100, 5: 0, 3: 0, 52.5: 50}
	for level, want := range cases {
		if got := BatteryScore(level, 5); math.Abs(got-want) > 1e-9 {
			t.Errorf("BatteryScore(%v) = %v, want %v", level, got, want)
		}
	}
}

func TestBatteryIgnoresOfflineSensors(t *testing.T) {
	devices := []registry.DeviceStatus{
		device("s1", true, 52.5, time.Minute),
		device("s2", false, 10, time.Minute),
	}
	score := Evaluate(devices, nil, now, DefaultOptions)
	if score.BatteryScore == nil || *score.BatteryScore != 50 {
		t.Errorf("Expected battery from online sensors only, got %v", score.BatteryScore)
	}
	// the offline sensor still raises its own low battery warning
	found := false
	for _, a := range score.Alerts {
		if a.SensorID == "s2" && a.Kind == KindBattery && a.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected low battery warning for s2, got %+v", score.Alerts)
	}
}

func TestWeightedOverall(t *testing.T) {
	devices := []registry.DeviceStatus{
		device("s1", true, 100, time.Minute),
		device("s2", false, 100, time.Hour),
	}
	opts := DefaultOptions
	opts.Weights = Weights{Battery: 1, Connectivity: 1, Uptime: 2}
	score := Evaluate(devices, nil, now, opts)

	// battery 100, connectivity 50, uptime 50
	want := (100 + 50 + 2*50) / 4.0
	if score.Overall != want {
		t.Errorf("Expected overall %v, got %v", want, score.Overall)
	}
	if score.Weights != opts.Weights {
		t.Errorf("Expected weights to be reported")
	}
}

func TestOfflineGraceAndSilentSensors(t *testing.T) {
	devices := []registry.DeviceStatus{
		device("recent-drop", false, 90, 5*time.Minute),
		device("long-gone", false, 90, time.Hour),
		device("quiet", true, 90, 30*time.Minute),
	}
	score := Evaluate(devices, nil, now, DefaultOptions)

	bySensor := make(map[string]Alert)
	for _, a := range score.Alerts {
		bySensor[a.SensorID] = a
	}
	if _, ok := bySensor["recent-drop"]; ok {
		t.Error("Expected no alert within the offline grace period")
	}
	if a := bySensor["long-gone"]; a.Kind != KindOffline || a.Severity != SeverityWarning {
		t.Errorf("Expected offline warning, got %+v", a)
	}
	if a := bySensor["quiet"]; a.Kind != KindSilent || a.Severity != SeverityInfo {
		t.Errorf("Expected silent info alert, got %+v", a)
	}
	if score.Alerts[len(score.Alerts)-1].Severity != SeverityInfo {
		t.Errorf("Expected alerts ordered by severity, got %+v", score.Alerts)
	}
}

func TestUnknownBatteryIsNotScored(t *testing.T) {
	silent := device("s1", true, 0, time.Minute)
	silent.BatteryLevel = nil
	silent.NetworkLatency = nil
	score := Evaluate([]registry.DeviceStatus{silent}, nil, now, DefaultOptions)

	if score.BatteryScore != nil {
		t.Errorf("Expected no battery score without a reported level, got %v", *score.BatteryScore)
	}
	if score.AverageLatency != nil {
		t.Errorf("Expected no latency without a reported value, got %v", *score.AverageLatency)
	}
	for _, a := range score.Alerts {
		if a.Kind == KindBattery {
			t.Errorf("Expected no battery alert for an unknown level, got %+v", a)
		}
	}
	// connectivity 100 and uptime 100 carry the whole weight
	if score.Overall != 100 {
		t.Errorf("Expected overall 100 from the known sub-scores, got %v", score.Overall)
	}

	known := device("s2", true, 52.5, time.Minute)
	score = Evaluate([]registry.DeviceStatus{silent, known}, nil, now, DefaultOptions)
	if score.BatteryScore == nil || *score.BatteryScore != 50 {
		t.Errorf("Expected battery score from the reporting sensor only, got %v", score.BatteryScore)
	}
}

func TestConnectedSensorThatNeverReported(t *testing.T) {
	d := registry.DeviceStatus{SensorID: "fresh", Online: true}
	score := Evaluate([]registry.DeviceStatus{d}, nil, now, DefaultOptions)

	if len(score.Alerts) != 1 {
		t.Fatalf("Expected one alert, got %+v", score.Alerts)
	}
	a := score.Alerts[0]
	if a.Kind != KindSilent || a.Severity != SeverityInfo || a.Message != "Sensor connected, never reported" {
		t.Errorf("Expected never reported info alert, got %+v", a)
	}
}

func TestNoSensors(t *testing.T) {
	score := Evaluate(nil, nil, now, DefaultOptions)
	if score.Status != reading.StatusNoData || score.Overall != 0 || score.Alerts == nil {
		t.Errorf("Expected explicit no-data score, got %+v", score)
	}
}

func TestStaleReadingsAlert(t *testing.T) {
	loc := reading.Location{Latitude: 30.4202, Longitude: -9.5982}
	fresh := []Freshness{{Location: loc, LastReading: now.Add(-time.Hour), HasReadings: true}}
	score := Evaluate([]registry.DeviceStatus{device("s1", true, 90, time.Minute)}, fresh, now, DefaultOptions)

	if len(score.Alerts) != 1 || score.Alerts[0].Kind != KindStaleReadings || score.Alerts[0].SensorID != "location:30.4202,-9.5982" {
		t.Errorf("Expected stale readings alert, got %+v", score.Alerts)
	}
}

type fakeLatest struct {
	r   reading.Reading
	ok  bool
	err error
}

func (f fakeLatest) Latest(context.Context, reading.Location) (reading.Reading, bool, error) {
	return f.r, f.ok, f.err
}

func TestScorerFreshAlertsEachCall(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	reg.Upsert(ctx, device("s1", true, 3, time.Minute))

	s := NewScorer(reg, nil, nil, DefaultOptions)
	s.now = func() time.Time { return now }

	first, err := s.Score(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Alerts) != 1 {
		t.Fatalf("Expected one alert, got %+v", first.Alerts)
	}

	reg.Upsert(ctx, device("s1", true, 95, time.Minute))
	second, err := s.Score(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Alerts) != 0 {
		t.Errorf("Expected alerts not to accumulate between calls, got %+v", second.Alerts)
	}
}

func TestScorerPropagatesStoreErrors(t *testing.T) {
	loc := reading.Location{Latitude: 1, Longitude: 2}
	unavailable := &reading.StoreUnavailableError{Op: "last", Err: errors.New("disk I/O error")}
	s := NewScorer(registry.NewMemory(), fakeLatest{err: unavailable}, []reading.Location{loc}, DefaultOptions)

	_, err := s.Score(context.Background())
	var target *reading.StoreUnavailableError
	if !errors.As(err, &target) {
		t.Fatalf("Expected StoreUnavailableError, got %v", err)
	}
}
