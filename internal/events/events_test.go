package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func TestMultiDeliversToAllSinks(t *testing.T) {
	boom := errors.New("sink down")
	var got []string

	m := Multi{
		Func(func(_ context.Context, ev DeviceChanged) error {
			got = append(got, "a:"+ev.DeviceIdentifier)
			return boom
		}),
		nil,
		Func(func(_ context.Context, ev DeviceChanged) error {
			got = append(got, "b:"+ev.DeviceIdentifier)
			return nil
		}),
	}

	err := m.DeviceChanged(context.Background(), New("/dev/ttyUSB0", 1, StatusOK))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(got) != 2 || got[1] != "b:/dev/ttyUSB0" {
		t.Fatalf("got = %v", got)
	}
}

func TestDeviceChangedJSON(t *testing.T) {
	ev := New("/dev/ttyUSB0", 12.34, StatusOK)
	ev.Unit = "lb"

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err = json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded["schema_version"] != float64(SchemaVersion) {
		t.Fatalf("schema_version = %v", decoded["schema_version"])
	}
	if decoded["value"] != 12.34 || decoded["result"] != 12.34 {
		t.Fatalf("value/result = %v/%v", decoded["value"], decoded["result"])
	}
	if decoded["type"] != TypeDeviceChanged || decoded["status"] != StatusOK {
		t.Fatalf("envelope = %v", decoded)
	}
}

type fakePublisher struct {
	published map[string][]byte
	stored    map[string][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.published[channel] = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakePublisher) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.stored[key] = value.([]byte)
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func TestRedisRelay(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	pub := &fakePublisher{published: map[string][]byte{}, stored: map[string][]byte{}}
	relay := NewRedisRelayWithClient(pub, "", log)

	if err := relay.DeviceChanged(context.Background(), New("/dev/ttyUSB0", 2, StatusOK)); err != nil {
		t.Fatalf("relay: %v", err)
	}

	if _, ok := pub.published["iot:device_changed"]; !ok {
		t.Fatalf("nothing published: %v", pub.published)
	}
	if _, ok := pub.stored["iot:device_changed:/dev/ttyUSB0"]; !ok {
		t.Fatalf("last event not stored: %v", pub.stored)
	}
}
