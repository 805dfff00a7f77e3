package supervisor

import (
	"golang.org/x/sys/unix"
)

// DefaultLinkMax is the ext2/3/4-family hard per-directory link ceiling
// (dot, dotdot, and one link per subdirectory entry).
const DefaultLinkMax = 65000

// DefaultStopAMGThreshold is how far below LinkMax the outgoing-files
// directory's link count must climb before AMG is throttled.
const DefaultStopAMGThreshold = 1000

// DefaultStartAMGThreshold is how far below LinkMax the link count must
// fall back to before AMG resumes; larger than StopAMGThreshold, so the
// resume point sits below the stop point and the two don't chatter.
const DefaultStartAMGThreshold = 2000

// outgoingDirLinks returns the current hard-link count of dir, the signal
// spec.md §4.8 uses to decide whether AMG should be throttled.
func outgoingDirLinks(dir string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Nlink), nil
}

// checkAMGBackpressure compares the outgoing directory's link count against
// the configured thresholds and stops or resumes AMG accordingly. AMG is
// throttled with SIGSTOP (resumed with SIGCONT) rather than a message on a
// control channel, since AMG is an external sibling with no such channel.
func (s *Supervisor) checkAMGBackpressure() {
	if s.cfg.OutgoingDir == "" {
		return
	}
	links, err := outgoingDirLinks(s.cfg.OutgoingDir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.cfg.OutgoingDir).Msg("failed to stat outgoing dir for AMG backpressure")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states["amg"]
	if !ok || st.pid <= 0 {
		return
	}

	stopAt := s.cfg.LinkMax - s.cfg.StopAMGThreshold
	startAt := s.cfg.LinkMax - s.cfg.StartAMGThreshold

	switch {
	case !s.amgStopped && links >= stopAt:
		if err := s.signal(st.pid, unix.SIGSTOP); err == nil {
			s.amgStopped = true
			st.status = siblingAMGStopped
			s.logger.Warn().Uint64("links", links).Uint64("stop_at", stopAt).Msg("throttling amg: outgoing dir near link ceiling")
		}
	case s.amgStopped && links <= startAt:
		if err := s.signal(st.pid, unix.SIGCONT); err == nil {
			s.amgStopped = false
			st.status = siblingRunning
			s.logger.Info().Uint64("links", links).Uint64("start_at", startAt).Msg("resuming amg: outgoing dir link count recovered")
		}
	}
}
