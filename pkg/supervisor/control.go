package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/types"
)

// monitor is one subscribed control connection. Status pushes and handler
// replies share the wire, so every write goes through send.
type monitor struct {
	mu sync.Mutex
	sc *protocol.ServerConn
}

func (m *monitor) send(tag string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A dead monitor is detected by its read loop; nothing to do here.
	_ = m.sc.Push(tag, payload)
}

func (s *Supervisor) handleControl(sc *protocol.ServerConn, tag string, payload any) (string, any, error) {
	var (
		replyTag  string
		replyBody any
	)

	switch tag {
	case protocol.TagHello:
		mon := s.addMonitor(sc)
		mon.send(protocol.TagStats, wireStats(s.stats.Last()))
		for _, sl := range s.coord.Slaves() {
			mon.send(protocol.TagSlave, &protocol.SlaveEvent{
				SlaveID: sl.ID,
				State:   string(sl.State),
				Label:   sl.Label,
				ABI:     sl.ABI,
				Package: sl.Package,
				Version: sl.Version,
			})
		}
		return "", nil, nil

	case protocol.TagPause:
		s.pause()
		replyTag = protocol.TagAck

	case protocol.TagResume:
		s.resume()
		replyTag = protocol.TagAck

	case protocol.TagKill:
		kill := payload.(*protocol.Kill)
		if err := s.coord.Kill(kill.SlaveID); err != nil {
			replyTag = protocol.TagError
			replyBody = &protocol.Error{Message: err.Error()}
		} else {
			replyTag = protocol.TagAck
		}

	case protocol.TagQuit:
		s.logger.Info().Stringer("peer", sc.RemoteAddr()).Msg("quit requested")
		s.Quit()
		replyTag = protocol.TagAck

	default:
		return "", nil, fmt.Errorf("%w: unexpected %s on control channel",
			protocol.ErrProtocol, tag)
	}

	return s.reply(sc, replyTag, replyBody)
}

// reply routes through the monitor's write lock when the peer subscribed
// with HELLO, so pushes never interleave with the reply frame.
func (s *Supervisor) reply(sc *protocol.ServerConn, tag string, body any) (string, any, error) {
	s.monMu.Lock()
	mon := s.monitors[sc]
	s.monMu.Unlock()
	if mon != nil {
		mon.send(tag, body)
		return "", nil, nil
	}
	return tag, body, nil
}

func (s *Supervisor) addMonitor(sc *protocol.ServerConn) *monitor {
	mon := &monitor{sc: sc}
	s.monMu.Lock()
	s.monitors[sc] = mon
	s.monMu.Unlock()
	return mon
}

func (s *Supervisor) dropMonitor(sc *protocol.ServerConn) {
	s.monMu.Lock()
	delete(s.monitors, sc)
	s.monMu.Unlock()
}

// pause halts new work without touching running builds: the watcher skips
// its polls and idle builders are answered SLEEP.
func (s *Supervisor) pause() {
	s.watcher.Pause()
	s.coord.Pause()
	s.broker.Publish(&events.Event{Type: events.EventMasterPaused})
}

func (s *Supervisor) resume() {
	s.watcher.Resume()
	s.coord.Resume()
	s.broker.Publish(&events.Event{Type: events.EventMasterResumed})
}

var slaveStates = map[events.EventType]string{
	events.EventSlaveJoined:   "joined",
	events.EventSlaveBuilding: "building",
	events.EventSlaveIdle:     "idle",
	events.EventSlaveLeft:     "left",
	events.EventSlaveExpired:  "expired",
}

// statusLoop fans broker events out to subscribed monitors. It exits when
// the subscription is closed by Stop.
func (s *Supervisor) statusLoop() {
	defer close(s.statusDone)
	for ev := range s.sub {
		switch ev.Type {
		case events.EventStatsUpdated:
			if st, ok := ev.Data.(*types.Statistics); ok {
				s.broadcast(protocol.TagStats, wireStats(st))
			}
		case events.EventSlaveJoined, events.EventSlaveBuilding,
			events.EventSlaveIdle, events.EventSlaveLeft,
			events.EventSlaveExpired:
			s.broadcast(protocol.TagSlave, s.wireSlave(ev))
		}
	}
}

func (s *Supervisor) broadcast(tag string, payload any) {
	s.monMu.Lock()
	mons := make([]*monitor, 0, len(s.monitors))
	for _, mon := range s.monitors {
		mons = append(mons, mon)
	}
	s.monMu.Unlock()
	for _, mon := range mons {
		mon.send(tag, payload)
	}
}

func (s *Supervisor) wireSlave(ev *events.Event) *protocol.SlaveEvent {
	se := &protocol.SlaveEvent{
		SlaveID: ev.SlaveID,
		State:   slaveStates[ev.Type],
		Package: ev.Package,
		Version: ev.Version,
	}
	for _, sl := range s.coord.Slaves() {
		if sl.ID == ev.SlaveID {
			se.Label = sl.Label
			se.ABI = sl.ABI
			break
		}
	}
	return se
}

func wireStats(st *types.Statistics) *protocol.Stats {
	out := &protocol.Stats{At: protocol.NewTimestamp(time.Now())}
	if st == nil {
		return out
	}
	out.PackagesBuilt = st.PackagesBuilt
	out.BuildsCount = st.BuildsCount
	out.BuildsCountSuccess = st.BuildsCountSuccess
	out.BuildsCountLastHour = st.BuildsCountLastHour
	out.BuildsTime = protocol.NewDuration(st.BuildsTime)
	out.FilesCount = st.FilesCount
	out.BuildsSize = st.BuildsSize
	out.DownloadsLastMonth = st.DownloadsLastMonth
	out.DownloadsAll = st.DownloadsAll
	out.ActiveSlaves = int64(st.ActiveSlaves)
	for _, n := range st.QueueSizes {
		out.QueueSize += int64(n)
	}
	return out
}
