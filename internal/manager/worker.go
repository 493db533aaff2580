// ABOUTME: DSP worker goroutine between the manager and the active sink
// ABOUTME: Runs the chain and optional resampler, then hands the block to the sink
package manager

import (
	"context"

	"github.com/Resonate-Protocol/resonate-eq/pkg/audio"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio/dsp"
	"github.com/Resonate-Protocol/resonate-eq/pkg/audio/resample"
	"github.com/Resonate-Protocol/resonate-eq/pkg/output"
)

type job struct {
	ctx   context.Context
	sink  output.Sink
	block audio.Block
	done  chan error
}

func (m *Manager) runWorker() {
	defer close(m.workerDone)
	for {
		select {
		case j := <-m.jobs:
			j.done <- m.process(j)
		case <-m.quit:
			return
		}
	}
}

// process runs on the worker. The block's samples are owned by the job.
func (m *Manager) process(j job) error {
	m.dspMu.Lock()
	chain := m.chainFor(j.block.SampleRate, j.block.Channels)
	chain.Process(j.block.Samples)

	out := j.block
	if r := m.resamplerFor(j.block, j.sink.Config().SampleRate); r != nil {
		out = r.Process(out)
	}
	m.dspMu.Unlock()

	if len(out.Samples) == 0 {
		return nil
	}
	return j.sink.Write(j.ctx, out)
}

// chainFor returns the chain for a stream shape, rebuilding it with the
// current settings when the shape changes (must hold dspMu)
func (m *Manager) chainFor(rate, channels int) *dsp.Chain {
	if m.chain != nil && m.chain.SampleRate() == rate && m.chain.Channels() == channels {
		return m.chain
	}
	if m.chain != nil {
		m.clipBase += m.chain.ClipCount()
		m.invalidBase += m.chain.InvalidSamples()
	}
	chain := dsp.NewChain(rate, channels)
	if err := chain.Apply(m.settings); err != nil {
		m.log.Warnf("Settings rejected by rebuilt chain: %v", err)
	}
	chain.SetEQPeakGain(m.eqPeakDB)
	m.chain = chain
	m.log.Debugf("DSP chain built for %dHz/%dch", rate, channels)
	return chain
}

// resamplerFor returns a resampler when resampling is enabled and the
// sink runs at a different rate than the block (must hold dspMu)
func (m *Manager) resamplerFor(b audio.Block, sinkRate int) *resample.Resampler {
	if !m.settings.ResampleEnabled || sinkRate <= 0 || sinkRate == b.SampleRate {
		m.resampler = nil
		return nil
	}
	quality, err := resample.ParseQuality(m.settings.ResampleQuality)
	if err != nil {
		quality = resample.Linear
	}
	r := m.resampler
	if r == nil || r.InputRate() != b.SampleRate || r.OutputRate() != sinkRate || r.Quality() != quality || m.resampleChannels != b.Channels {
		r = resample.New(b.SampleRate, sinkRate, b.Channels, quality)
		m.resampler = r
		m.resampleChannels = b.Channels
	}
	return r
}
