package session

import (
	"context"
	"fmt"
)

func (s *Session) startRecording(ctx context.Context, deviceHint string) error {
	if s.state == StateDisconnected {
		return ErrNotConnected
	}
	if s.recording {
		return ErrAlreadyRecording
	}
	if !s.capture.Available() {
		s.setError(KindResource, CodeCaptureUnavailable, ErrCaptureUnavailable.Error())
		return ErrCaptureUnavailable
	}

	s.transcript.ClearPartial()
	if s.playbackActive || s.sinkDirty {
		s.abortPlayback()
	}

	ch, err := s.capture.Start(ctx, deviceHint)
	if err != nil {
		s.setError(KindResource, CodeCaptureStartFailed, err.Error())
		return fmt.Errorf("start capture: %w", err)
	}
	s.captureCh = ch
	s.recording = true
	s.logger.Debug("recording started", "device", deviceHint)
	return nil
}

func (s *Session) stopRecording() error {
	if !s.recording {
		return nil
	}
	s.recording = false
	s.captureCh = nil
	if err := s.capture.Stop(); err != nil {
		s.setError(KindResource, CodeCaptureStopFailed, err.Error())
		return fmt.Errorf("stop capture: %w", err)
	}
	s.logger.Debug("recording stopped")
	return nil
}

func (s *Session) forwardAudio(ctx context.Context, pcm []byte) bool {
	if len(pcm) == 0 {
		return false
	}
	if err := s.transport.SendAudioChunk(ctx, pcm); err != nil {
		if isContextErr(err) {
			return false
		}
		s.logger.Warn("send audio chunk failed", "error", err)
		s.setError(KindResource, CodeSendFailed, err.Error())
		return true
	}
	return false
}
