package ticketapi

import (
	"errors"

	"github.com/c360studio/semstreams/payloadregistry"
)

// RegisterPayloads registers the ticket command and result payload
// types with the supplied registry. Called from cmd/ticketflow at
// process bootstrap, after payloadbuiltins.Register.
func RegisterPayloads(reg *payloadregistry.Registry) error {
	return errors.Join(
		reg.Register(&payloadregistry.Registration{
			Domain:      "ticket",
			Category:    "command",
			Version:     "v1",
			Description: "Engine operation request for a ticket",
			Factory:     func() any { return &Command{} },
		}),
		reg.Register(&payloadregistry.Registration{
			Domain:      "ticket",
			Category:    "result",
			Version:     "v1",
			Description: "Outcome of one ticket command",
			Factory:     func() any { return &Result{} },
		}),
	)
}
