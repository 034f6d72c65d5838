package commands

import (
	"fmt"

	"atallasim/faults"
	"atallasim/framing"
	"atallasim/randsrc"
)

// Response is an immutable reply: header, two-digit status, optional payload.
type Response struct {
	Header  string
	Status  string
	Payload string
}

func (r Response) String() string {
	return r.Header + r.Status + r.Payload
}

// Wire returns the reply terminated per the server's framing convention.
func (r Response) Wire(c framing.Convention, boundary byte) []byte {
	return framing.Terminate([]byte(r.String()), c, boundary)
}

const pinBlockLength = 16

// ResponseOptions feeds the reply generators.
type ResponseOptions struct {
	Random         randsrc.Source
	Status         faults.Provider
	RandomAlphabet randsrc.Alphabet
	RandomLength   int
}

func (o ResponseOptions) normalized() ResponseOptions {
	if o.Random == nil {
		o.Random = randsrc.NewCrypto()
	}
	if o.Status == nil {
		o.Status = faults.Static(faults.StatusOK)
	}
	if o.RandomAlphabet == "" {
		o.RandomAlphabet = randsrc.Hex
	}
	if o.RandomLength <= 0 {
		o.RandomLength = o.RandomAlphabet.DefaultLength()
	}
	return o
}

// DefaultEntries returns the simulated Atalla command set in match order:
// 93 generate random number, 30 encrypt PIN (ANSI format 0), 37 PIN change
// (IBM 3624), 32 PIN verify (IBM 3624).
func DefaultEntries(opts ResponseOptions) []Entry {
	opts = opts.normalized()
	return []Entry{
		{
			Key: "<93#", Code: "93", Name: "GenerateRandomNumber", Header: "<A3#",
			Generate: randomReply("<A3#", "93", opts, opts.RandomAlphabet, opts.RandomLength),
		},
		{
			Key: "<30#", Code: "30", Name: "EncryptPinANSIFormat0", Header: "<40#",
			Generate: randomReply("<40#", "30", opts, randsrc.Hex, pinBlockLength),
		},
		{
			Key: "<37#", Code: "37", Name: "PinChangeIBM3624", Header: "<47#",
			Generate: statusReply("<47#", "37", opts),
		},
		{
			Key: "<32#", Code: "32", Name: "VerifyPinIBM3624", Header: "<42#",
			Generate: statusReply("<42#", "32", opts),
		},
	}
}

// randomReply answers with status plus a random field. Failure statuses carry
// no payload.
func randomReply(header, code string, opts ResponseOptions, alphabet randsrc.Alphabet, length int) Generator {
	return func(string) (Response, error) {
		status := opts.Status.Status(code)
		if status != faults.StatusOK {
			return Response{Header: header, Status: status}, nil
		}
		value, err := opts.Random.String(length, alphabet)
		if err != nil {
			return Response{}, fmt.Errorf("command %s: %w", code, err)
		}
		return Response{Header: header, Status: status, Payload: value}, nil
	}
}

func statusReply(header, code string, opts ResponseOptions) Generator {
	return func(string) (Response, error) {
		return Response{Header: header, Status: opts.Status.Status(code)}, nil
	}
}
