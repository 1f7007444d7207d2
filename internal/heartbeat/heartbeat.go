// Package heartbeat keeps the telemetry source transmitting: a 1 Hz
// task that sends a single keepalive byte in unicast, broadcast, or
// stopped mode depending on configured/detected source IP state.
package heartbeat

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/config"
	"github.com/nkyui/apextelemetry/internal/detect"
	"github.com/nkyui/apextelemetry/internal/netutil"
	"github.com/nkyui/apextelemetry/internal/store"
	"github.com/nkyui/apextelemetry/internal/watch"
)

const (
	heartbeatPort     = 33739
	heartbeatByte     = 0x41
	heartbeatInterval = time.Second
	staleWarnFloorMs  = 5000
)

// Mode is the heartbeat's current send behavior.
type Mode int

const (
	ModeStop Mode = iota
	ModeBroadcast
	ModeUnicast
)

// Emitter owns the heartbeat's UDP socket and mode state.
type Emitter struct {
	udpValue *watch.Value[config.UdpConfig]
	detect   *detect.Store
	store    *store.TelemetryStore
	now      func() uint64
	log      zerolog.Logger

	conn       *net.UDPConn
	bindIP     net.IP
	mode       Mode
	unicastIP  net.IP
	lastWarnMs *uint64
}

// New returns an Emitter with no socket yet; Run binds it to the
// unspecified address, and the first tick or config change picks its
// real mode.
func New(udpValue *watch.Value[config.UdpConfig], det *detect.Store, st *store.TelemetryStore, now func() uint64, log zerolog.Logger) *Emitter {
	return &Emitter{
		udpValue: udpValue,
		detect:   det,
		store:    st,
		now:      now,
		log:      log.With().Str("component", "heartbeat").Logger(),
	}
}

// Run binds the heartbeat socket and services ticks/config changes
// until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) error {
	conn, err := bindHeartbeatSocket(net.IPv4zero)
	if err != nil {
		return err
	}
	e.conn = conn
	e.bindIP = net.IPv4zero
	defer e.conn.Close()
	e.log.Info().Str("localAddr", e.conn.LocalAddr().String()).Msg("heartbeat task started")

	sub := e.udpValue.Subscribe()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.applyMode(e.udpValue.Get(), true); err != nil {
				return err
			}
		case <-sub.Changed():
			cfg := sub.Resubscribe()
			if err := e.applyMode(cfg, false); err != nil {
				return err
			}
		}
	}
}

func (e *Emitter) applyMode(cfg config.UdpConfig, sendNow bool) error {
	pendingDetect := false
	if activeID, ok := e.detect.ActiveID(); ok {
		if sess, ok := e.detect.Get(activeID); ok {
			pendingDetect = sess.Status == detect.Pending
		}
	}

	var nextMode Mode
	var unicastIP net.IP
	switch {
	case cfg.PS5IP != nil:
		nextMode = ModeUnicast
		unicastIP = cfg.PS5IP
	case pendingDetect:
		nextMode = ModeBroadcast
	default:
		nextMode = ModeStop
	}

	var targetBindIP net.IP
	switch nextMode {
	case ModeStop:
		targetBindIP = nil
	case ModeUnicast:
		ip, err := netutil.ResolveLocalIPForTarget(unicastIP, heartbeatPort)
		if err != nil {
			e.log.Warn().Err(err).Str("ip", unicastIP.String()).Msg("failed to resolve local ip for unicast heartbeat")
			targetBindIP = netutil.FallbackLocalIP(cfg)
		} else {
			targetBindIP = ip
		}
	case ModeBroadcast:
		targetBindIP = netutil.ResolveBroadcastBindIP(cfg, pendingDetect)
	}

	if targetBindIP != nil {
		if !targetBindIP.Equal(e.bindIP) {
			newConn, err := bindHeartbeatSocket(targetBindIP)
			if err != nil {
				return err
			}
			e.conn.Close()
			e.conn = newConn
			e.bindIP = targetBindIP
			e.log.Info().Str("localAddr", e.conn.LocalAddr().String()).Msg("heartbeat bind updated")
		}
	} else if nextMode != ModeStop {
		e.log.Warn().Msg("heartbeat bind ip unavailable; stopping heartbeat")
		e.mode = ModeStop
		return nil
	}

	if nextMode != e.mode {
		e.log.Info().Str("mode", modeString(nextMode)).Msg("heartbeat mode changed")
		switch nextMode {
		case ModeStop:
			_ = setBroadcast(e.conn, false)
		case ModeBroadcast:
			if err := setBroadcast(e.conn, true); err != nil {
				return err
			}
		case ModeUnicast:
			_ = setBroadcast(e.conn, false)
		}
		e.mode = nextMode
		e.unicastIP = unicastIP
	}

	if !sendNow {
		return nil
	}

	var target *net.UDPAddr
	switch e.mode {
	case ModeStop:
		return nil
	case ModeBroadcast:
		target = &net.UDPAddr{IP: net.IPv4bcast, Port: heartbeatPort}
	case ModeUnicast:
		target = &net.UDPAddr{IP: e.unicastIP, Port: heartbeatPort}
	}

	_, _ = e.conn.WriteToUDP([]byte{heartbeatByte}, target)

	if e.mode == ModeUnicast {
		nowMs := e.now()
		if lastMs := e.store.LastTelemetryMs(); lastMs != nil {
			if satSub(nowMs, *lastMs) >= staleWarnFloorMs {
				shouldWarn := e.lastWarnMs == nil || satSub(nowMs, *e.lastWarnMs) >= staleWarnFloorMs
				if shouldWarn {
					e.log.Warn().Uint64("ageMs", satSub(nowMs, *lastMs)).Msg("telemetry stale while heartbeat unicast")
					e.lastWarnMs = &nowMs
				}
			}
		}
	}

	return nil
}

func modeString(m Mode) string {
	switch m {
	case ModeStop:
		return "stop"
	case ModeBroadcast:
		return "broadcast"
	case ModeUnicast:
		return "unicast"
	default:
		return "unknown"
	}
}

func bindHeartbeatSocket(ip net.IP) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
}

// setBroadcast toggles SO_BROADCAST on the socket's file descriptor.
// The standard library has no higher-level API for this option; it is
// required to send to the limited broadcast address at all.
func setBroadcast(conn *net.UDPConn, enabled bool) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	val := 0
	if enabled {
		val = 1
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, val)
	}); err != nil {
		return err
	}
	return sockErr
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
