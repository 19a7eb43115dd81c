package busmix

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// raw volume value corresponding to 100% in the native protocol
const volumeNorm = 0x10000

// eventRateLogInterval spaces out the debug log of backend event throughput
const eventRateLogInterval = 10 * time.Second

// pulseBackend talks the native PulseAudio protocol. The protocol client
// owns its event loop; our subscription callback runs on that loop and must
// stay non-blocking, so it only classifies events and hands indices to the
// query goroutines, which do the actual introspection round-trips.
type pulseBackend struct {
	logger      *zap.SugaredLogger
	eventLogger *zap.SugaredLogger

	configMan *ConfigManager
	resolver  *AppNameResolver

	client *proto.Client
	conn   net.Conn

	emit func(GraphUpdate)

	busQueries    chan uint32
	attachQueries chan uint32

	lock sync.Mutex
	// sink-input index -> resolved app key, captured at observation time.
	// Removal events only carry the index, so this is the sole way to pair
	// a detach with the attach that introduced it.
	streams map[uint32]string

	eventCount   uint64
	lastEventLog time.Time
}

func newPulseBackend(logger *zap.SugaredLogger, configMan *ConfigManager, resolver *AppNameResolver) (*pulseBackend, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("busmix"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set client name: %w", err)
	}

	b := &pulseBackend{
		logger:        logger.Named("backend"),
		eventLogger:   logger.Named("graph_events"),
		configMan:     configMan,
		resolver:      resolver,
		client:        client,
		conn:          conn,
		busQueries:    make(chan uint32, 16),
		attachQueries: make(chan uint32, 16),
		streams:       make(map[uint32]string),
		lastEventLog:  time.Now(),
	}

	b.logger.Debug("Created PulseAudio backend instance")

	return b, nil
}

func (b *pulseBackend) Start(emit func(GraphUpdate)) error {
	b.emit = emit

	err := b.client.Request(&proto.Subscribe{
		Mask: proto.SubscriptionMaskSink | proto.SubscriptionMaskSinkInput,
	}, nil)
	if err != nil {
		return fmt.Errorf("subscribe to backend events: %w", err)
	}

	// out-of-band query workers; results come back as their own updates
	go func() {
		for idx := range b.busQueries {
			b.handleBusQuery(idx)
		}
	}()

	go func() {
		for idx := range b.attachQueries {
			b.handleStreamAttach(idx)
		}
	}()

	b.client.Callback = func(msg interface{}) {
		event, ok := msg.(*proto.SubscribeEvent)
		if !ok {
			return
		}

		b.countEvent()

		switch event.Event & proto.EventFacilityMask {
		case proto.EventSink:
			if event.Event.GetType() != proto.EventRemove {
				select {
				case b.busQueries <- event.Index:
				default:
					b.eventLogger.Warnw("Bus query backlog full, dropping event", "index", event.Index)
				}
			}
		case proto.EventSinkSinkInput:
			switch event.Event.GetType() {
			case proto.EventNew:
				select {
				case b.attachQueries <- event.Index:
				default:
					b.eventLogger.Warnw("Stream query backlog full, dropping event", "index", event.Index)
				}
			case proto.EventRemove:
				b.handleStreamRemove(event.Index)
			}
		}
	}

	if err := b.enumerateExisting(); err != nil {
		b.logger.Warnw("Failed to enumerate existing graph objects", "error", err)
		return fmt.Errorf("enumerate existing graph objects: %w", err)
	}

	b.logger.Info("Backend event loop started")

	return nil
}

// countEvent tracks backend event throughput for the periodic debug log
func (b *pulseBackend) countEvent() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.eventCount++
	now := time.Now()
	if now.Sub(b.lastEventLog) > eventRateLogInterval {
		rate := float64(b.eventCount) / now.Sub(b.lastEventLog).Seconds()
		b.eventLogger.Debugw("Backend event rate", "eventsPerSecond", rate)
		b.eventCount = 0
		b.lastEventLog = now
	}
}

// enumerateExisting replays the current graph contents through the same
// update path used for live events
func (b *pulseBackend) enumerateExisting() error {
	sinks := proto.GetSinkInfoListReply{}
	if err := b.client.Request(&proto.GetSinkInfoList{}, &sinks); err != nil {
		return fmt.Errorf("get sink list: %w", err)
	}

	for _, info := range sinks {
		if b.isVirtualBus(info.SinkName) {
			b.emit(BusObserved{Bus: busInfoFromReply(info)})
		}
	}

	inputs := proto.GetSinkInputInfoListReply{}
	if err := b.client.Request(&proto.GetSinkInputInfoList{}, &inputs); err != nil {
		return fmt.Errorf("get sink input list: %w", err)
	}

	for _, info := range inputs {
		b.attachFromInfo(info)
	}

	return nil
}

func (b *pulseBackend) handleBusQuery(idx uint32) {
	request := proto.GetSinkInfo{SinkIndex: idx}
	reply := proto.GetSinkInfoReply{}

	if err := b.client.Request(&request, &reply); err != nil {
		b.logger.Warnw("Failed to query bus info", "index", idx, "error", err)
		return
	}

	if !b.isVirtualBus(reply.SinkName) {
		return
	}

	b.emit(BusObserved{Bus: busInfoFromReply(&reply)})
}

func (b *pulseBackend) handleStreamAttach(idx uint32) {
	request := proto.GetSinkInputInfo{SinkInputIndex: idx}
	reply := proto.GetSinkInputInfoReply{}

	if err := b.client.Request(&request, &reply); err != nil {
		b.logger.Warnw("Failed to query stream info", "index", idx, "error", err)
		return
	}

	b.attachFromInfo(&reply)
}

func (b *pulseBackend) attachFromInfo(info *proto.GetSinkInputInfoReply) {
	props := info.Properties

	if isLoopbackStream(props) {
		return
	}

	appName := propString(props, "application.name")
	binaryPath := propString(props, "application.process.binary")
	if appName == "" && binaryPath == "" {
		b.eventLogger.Warnw("Stream carries no application identity, skipping",
			"sinkInputIndex", info.SinkInputIndex)
		return
	}

	pid, _ := strconv.Atoi(propString(props, "application.process.id"))

	key := b.resolver.Resolve(appName, binaryPath, pid)
	binaryName := b.resolver.ExtractBinaryName(binaryPath)

	b.lock.Lock()
	b.streams[info.SinkInputIndex] = key
	b.lock.Unlock()

	b.emit(StreamAttached{
		AppKey:     key,
		BinaryName: binaryName,
		StreamID:   info.SinkInputIndex,
		BusName:    b.busNameForID(info.SinkIndex),
	})
	b.emit(RoutingRuleCheck{AppKey: key, StreamID: info.SinkInputIndex})
}

func (b *pulseBackend) handleStreamRemove(idx uint32) {
	b.lock.Lock()
	key, ok := b.streams[idx]
	if ok {
		delete(b.streams, idx)
	}
	b.lock.Unlock()

	// removal events fire for every graph object; only ours matter
	if !ok {
		return
	}

	b.eventLogger.Debugw("Stream removed", "appKey", key, "sinkInputIndex", idx)
	b.emit(StreamDetached{StreamID: idx})
}

// busNameForID resolves a sink index to its virtual bus name, or "" when the
// sink is not one of ours
func (b *pulseBackend) busNameForID(idx uint32) string {
	request := proto.GetSinkInfo{SinkIndex: idx}
	reply := proto.GetSinkInfoReply{}

	if err := b.client.Request(&request, &reply); err != nil {
		return ""
	}

	if !b.isVirtualBus(reply.SinkName) {
		return ""
	}

	return reply.SinkName
}

func (b *pulseBackend) ListStreams() ([]StreamInfo, error) {
	reply := proto.GetSinkInputInfoListReply{}
	if err := b.client.Request(&proto.GetSinkInputInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	streams := []StreamInfo{}
	for _, info := range reply {
		if isLoopbackStream(info.Properties) {
			continue
		}

		streams = append(streams, StreamInfo{
			ID:         info.SinkInputIndex,
			AppName:    propString(info.Properties, "application.name"),
			BinaryName: b.resolver.ExtractBinaryName(propString(info.Properties, "application.process.binary")),
			BusID:      info.SinkIndex,
		})
	}

	return streams, nil
}

func (b *pulseBackend) ListBuses() ([]BusInfo, error) {
	reply := proto.GetSinkInfoListReply{}
	if err := b.client.Request(&proto.GetSinkInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	buses := []BusInfo{}
	for _, info := range reply {
		if b.isVirtualBus(info.SinkName) {
			buses = append(buses, busInfoFromReply(info))
		}
	}

	return buses, nil
}

func (b *pulseBackend) MoveStream(streamID, busID uint32) error {
	request := proto.MoveSinkInput{
		SinkInputIndex: streamID,
		DeviceIndex:    busID,
	}

	if err := b.client.Request(&request, nil); err != nil {
		return fmt.Errorf("move stream %d to bus %d: %w", streamID, busID, err)
	}

	return nil
}

func (b *pulseBackend) SetBusVolume(busID uint32, volume float32) error {
	info := proto.GetSinkInfoReply{}
	if err := b.client.Request(&proto.GetSinkInfo{SinkIndex: busID}, &info); err != nil {
		return fmt.Errorf("get bus %d info: %w", busID, err)
	}

	raw := uint32(volume * volumeNorm)
	volumes := make(proto.ChannelVolumes, len(info.ChannelVolumes))
	for i := range volumes {
		volumes[i] = raw
	}

	request := proto.SetSinkVolume{
		SinkIndex:      busID,
		ChannelVolumes: volumes,
	}

	if err := b.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set bus %d volume: %w", busID, err)
	}

	return nil
}

func (b *pulseBackend) SetBusMute(busID uint32, muted bool) error {
	request := proto.SetSinkMute{
		SinkIndex: busID,
		Mute:      muted,
	}

	if err := b.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set bus %d mute: %w", busID, err)
	}

	return nil
}

// Release tears the connection down. The query channels stay open; the
// subscription callback may still fire while the client drains, and a send
// on a closed channel would panic the whole process.
func (b *pulseBackend) Release() error {
	if err := b.conn.Close(); err != nil {
		b.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	b.logger.Debug("Released PulseAudio backend instance")

	return nil
}

func (b *pulseBackend) isVirtualBus(name string) bool {
	return funk.ContainsString(b.configMan.current.BusNames(), name)
}

func busInfoFromReply(info *proto.GetSinkInfoReply) BusInfo {
	return BusInfo{
		ID:     info.SinkIndex,
		Name:   info.SinkName,
		Volume: averageVolume(info.ChannelVolumes),
		Muted:  info.Mute,
	}
}

func averageVolume(volumes proto.ChannelVolumes) float32 {
	if len(volumes) == 0 {
		return 1.0
	}

	var sum uint64
	for _, v := range volumes {
		sum += uint64(v)
	}

	return float32(sum/uint64(len(volumes))) / volumeNorm
}

func propString(props proto.PropList, key string) string {
	value, ok := props[key]
	if !ok {
		return ""
	}

	return value.String()
}

// loopback streams feed the virtual buses into the real output device and
// must never be tracked as applications
func isLoopbackStream(props proto.PropList) bool {
	return strings.Contains(propString(props, "media.name"), "_to_") ||
		strings.Contains(propString(props, "node.name"), "_to_")
}
