package routing

import (
	"errors"
	"io"
	"sync"

	"github.com/upb/llm-adapter/services/providers"
)

// prefetchedStream replays the chunk pulled while choosing a provider, then
// delegates to the provider's stream
type prefetchedStream struct {
	inner providers.ChunkStream
	first *providers.StreamChunk
	eof   bool

	model string
	usage *providers.Usage

	onComplete   func(model string, usage *providers.Usage)
	completeOnce sync.Once
}

func (p *prefetchedStream) Next() (*providers.StreamChunk, error) {
	if p.first != nil {
		chunk := p.first
		p.first = nil
		p.observe(chunk)
		return chunk, nil
	}
	if p.eof {
		p.complete()
		return nil, io.EOF
	}

	chunk, err := p.inner.Next()
	if errors.Is(err, io.EOF) {
		p.eof = true
		p.complete()
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	p.observe(chunk)
	return chunk, nil
}

func (p *prefetchedStream) Close() error {
	return p.inner.Close()
}

func (p *prefetchedStream) observe(chunk *providers.StreamChunk) {
	if chunk.Model != "" {
		p.model = chunk.Model
	}
	if chunk.Usage != nil {
		p.usage = chunk.Usage
	}
}

func (p *prefetchedStream) complete() {
	if p.onComplete == nil {
		return
	}
	p.completeOnce.Do(func() {
		p.onComplete(p.model, p.usage)
	})
}
