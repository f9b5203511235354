package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
	"github.com/hbtz-dev/neuro2024simulator/pkg/scheduler"
)

// Execute runs req against the scheduler and returns its response. It is the
// transport-independent core of the server; wait_complete blocks until done
// or ctx ends.
func (s *Server) Execute(ctx context.Context, req Request) Response {
	result, err := s.execute(ctx, req)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error(), Code: code(err)}
	}
	return Response{ID: req.ID, OK: true, Result: result}
}

func (s *Server) execute(ctx context.Context, req Request) (any, error) {
	switch req.Op {
	case OpStopAll:
		s.sc.StopAll()
		return nil, nil
	case OpTotalBarrierHits:
		return Hits{Hits: s.sc.TotalBarrierHits(), Distortion: s.sc.DistortionIntensity()}, nil
	case OpStatus:
		return s.sc.Snapshot(), nil
	case OpPlayEffect:
		if req.Track == "" {
			return nil, fmt.Errorf("%w: play_effect needs track", ErrBadRequest)
		}
		vol := 1.0
		if req.Volume != nil {
			if *req.Volume < 0 {
				return nil, fmt.Errorf("%w: play_effect volume must be non-negative", ErrBadRequest)
			}
			vol = *req.Volume
		}
		return nil, audio.PlayEffect(s.sc.Player(), req.Track, vol, req.PreventOverlap)
	case OpStopTag:
		if req.Tag == "" {
			return nil, fmt.Errorf("%w: stop_tag needs tag", ErrBadRequest)
		}
		s.sc.Player().Stop(req.Tag, ms(req.FadeMS))
		return nil, nil
	case OpSetVolume:
		if req.Volume == nil || *req.Volume < 0 {
			return nil, fmt.Errorf("%w: set_volume needs a non-negative volume", ErrBadRequest)
		}
		tag := req.Tag
		if tag == "" {
			t, err := s.thread(req)
			if err != nil {
				return nil, err
			}
			tag = t.Tag()
		}
		s.sc.Player().SetVolume(tag, *req.Volume)
		return nil, nil
	}

	t, err := s.thread(req)
	if err != nil {
		return nil, err
	}

	switch req.Op {
	case OpPlay:
		if req.StartFromMS < 0 {
			return nil, fmt.Errorf("%w: play start_from_ms must be non-negative", ErrBadRequest)
		}
		var opts []scheduler.PlayOption
		if req.Tracks != nil {
			opts = append(opts, scheduler.WithPriority(*req.Tracks...))
		}
		if req.StartFromMS > 0 {
			opts = append(opts, scheduler.StartFrom(ms(req.StartFromMS)))
		}
		if req.BarrierMS != nil {
			opts = append(opts, scheduler.WithBarrier(ms(*req.BarrierMS)))
		}
		return nil, t.Play(opts...)
	case OpStop:
		t.Stop()
		return nil, nil
	case OpSetPriority:
		if req.Track == "" {
			return nil, fmt.Errorf("%w: set_priority needs track", ErrBadRequest)
		}
		return nil, t.SetPriority(req.Track)
	case OpRemovePriority:
		if req.Track == "" {
			return nil, fmt.Errorf("%w: remove_priority needs track", ErrBadRequest)
		}
		return nil, t.RemovePriority(req.Track)
	case OpRemovePriorityPrefix:
		return nil, t.RemovePriorityPrefix(req.Prefix)
	case OpSetBarrier:
		if req.BarrierMS == nil {
			return nil, t.ClearBarrier()
		}
		return nil, t.SetBarrier(ms(*req.BarrierMS))
	case OpAddComponent:
		if req.Track == "" {
			return nil, fmt.Errorf("%w: add_component needs track", ErrBadRequest)
		}
		if req.StartMS < 0 {
			return nil, fmt.Errorf("%w: add_component start_ms must be non-negative", ErrBadRequest)
		}
		if req.Volume != nil && *req.Volume < 0 {
			return nil, fmt.Errorf("%w: add_component volume must be non-negative", ErrBadRequest)
		}
		if req.FadeInMS < 0 || req.FadeOutMS < 0 {
			return nil, fmt.Errorf("%w: add_component fades must be non-negative", ErrBadRequest)
		}
		opts := audio.DefaultPlaybackOptions()
		if req.Volume != nil {
			opts.Volume = *req.Volume
		}
		opts.Loop = req.Loop
		opts.FadeIn = ms(req.FadeInMS)
		opts.FadeOut = ms(req.FadeOutMS)
		return nil, t.AddComponent(scheduler.Component{Track: req.Track, Start: ms(req.StartMS), Options: opts})
	case OpTimeUntilComplete:
		d, err := t.TimeUntilPlaybackComplete()
		if err != nil {
			return nil, err
		}
		return Remaining{RemainingMS: d.Milliseconds()}, nil
	case OpWaitComplete:
		return nil, t.Wait(ctx)
	}
	return nil, fmt.Errorf("%w: unknown op %q", ErrBadRequest, req.Op)
}

func (s *Server) thread(req Request) (*scheduler.Thread, error) {
	if req.Thread == "" {
		return nil, fmt.Errorf("%w: %s needs thread", ErrBadRequest, req.Op)
	}
	t, ok := s.sc.Thread(req.Thread)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownThread, req.Thread)
	}
	return t, nil
}

// code maps an error to its wire code.
func code(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrUnknownThread), errors.Is(err, audio.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, scheduler.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	default:
		return CodeInternal
	}
}
