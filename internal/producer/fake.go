package producer

import (
	"sync"

	"github.com/dtle-io/hbase-replicator/internal/event"
)

// FakeProducer delivers a pre-built, finite event trace synchronously
// from Start, for tests exercising the orchestrator/applier without a
// real MySQL master (spec §8's literal scenarios S1-S6).
type FakeProducer struct {
	mu      sync.Mutex
	Events  []*event.Event
	running bool
	file    string
	pos     uint32
	lastMap Position
}

func NewFakeProducer(events []*event.Event) *FakeProducer {
	return &FakeProducer{Events: events}
}

func (f *FakeProducer) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *FakeProducer) BinlogFileName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file
}

func (f *FakeProducer) BinlogPosition() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *FakeProducer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

func (f *FakeProducer) Start(pos Position, deliver DeliveryFunc) error {
	f.mu.Lock()
	f.running = true
	f.file = pos.File
	f.pos = pos.Offset
	events := f.Events
	f.mu.Unlock()

	for _, ev := range events {
		f.mu.Lock()
		if !f.running {
			f.mu.Unlock()
			return nil
		}
		if ev.Position.File != "" {
			f.file = ev.Position.File
		}
		f.pos = ev.Position.Offset
		f.mu.Unlock()

		if err := deliver(ev); err != nil {
			f.mu.Lock()
			f.running = false
			f.mu.Unlock()
			return err
		}
	}
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *FakeProducer) SetLastMapEventPosition(pos Position) {
	f.mu.Lock()
	f.lastMap = pos
	f.mu.Unlock()
}

func (f *FakeProducer) StartFromLastMapEvent(deliver DeliveryFunc) error {
	f.mu.Lock()
	pos := f.lastMap
	f.mu.Unlock()
	return f.Start(pos, deliver)
}
