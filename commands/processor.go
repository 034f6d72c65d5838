// Package commands implements the simulated HSM command set: an ordered
// registry of command keys, the canned reply generators and the Processor
// that turns one frame into the bytes written back to the client.
package commands

import (
	"fmt"

	"atallasim/framing"
)

// UnrecognizedNotice is sent for frames that match no command. It is
// newline-terminated regardless of the framing convention.
const UnrecognizedNotice = "Unrecognized command"

// Result describes how a frame was handled.
type Result struct {
	Matched    bool
	Entry      Entry
	Response   Response
	Suggestion string
	Wire       []byte // bytes to write back to the client
}

// Processor dispatches frames through a Registry and serializes the reply
// with the server's framing convention.
type Processor struct {
	registry   *Registry
	convention framing.Convention
	boundary   byte
}

// NewProcessor wraps the registry with the framing convention used for
// replies. A zero boundary selects framing.DefaultBoundary.
func NewProcessor(registry *Registry, convention framing.Convention, boundary byte) *Processor {
	if boundary == 0 {
		boundary = framing.DefaultBoundary
	}
	if convention == "" {
		convention = framing.Boundary
	}
	return &Processor{
		registry:   registry,
		convention: convention,
		boundary:   boundary,
	}
}

// Handle decodes the frame, finds its command and builds the reply. A frame
// that is not valid UTF-8 returns framing.ErrInvalidEncoding and no reply.
func (p *Processor) Handle(frame framing.Frame) (Result, error) {
	text, err := frame.Text()
	if err != nil {
		return Result{}, err
	}
	entry, ok := p.registry.Match(text)
	if !ok {
		suggestion, _ := p.registry.Suggest(text)
		return Result{
			Suggestion: suggestion,
			Wire:       []byte(unrecognizedLine(suggestion)),
		}, nil
	}
	resp, err := entry.Generate(text)
	if err != nil {
		return Result{}, fmt.Errorf("generate %s reply: %w", entry.Name, err)
	}
	return Result{
		Matched:  true,
		Entry:    entry,
		Response: resp,
		Wire:     resp.Wire(p.convention, p.boundary),
	}, nil
}

func (p *Processor) Registry() *Registry { return p.registry }

func (p *Processor) Convention() framing.Convention { return p.convention }

func (p *Processor) Boundary() byte { return p.boundary }

func unrecognizedLine(suggestion string) string {
	if suggestion == "" {
		return UnrecognizedNotice + "\n"
	}
	return fmt.Sprintf("%s (did you mean %s?)\n", UnrecognizedNotice, suggestion)
}
