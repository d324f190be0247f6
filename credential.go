package dzplugin

import (
	"context"
	"strings"

	"github.com/HMasataka/dzplugin/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const authorizationHeader = "authorization"

// Credential is the bearer token a plugin authenticates with. It is
// validated once and never changes.
type Credential struct {
	header string
}

// NewCredential validates token and returns a Credential. The token must be
// non-empty printable ASCII without surrounding whitespace, so that
// "Bearer <token>" is a single valid header value.
func NewCredential(token string) (Credential, error) {
	if token == "" {
		return Credential{}, errors.New(errors.ErrorTypeAuth, "EMPTY_TOKEN", "token is empty")
	}
	if strings.TrimSpace(token) != token {
		return Credential{}, errors.New(errors.ErrorTypeAuth, "INVALID_TOKEN", "token is not a valid header value").
			WithDetails("surrounding whitespace")
	}
	for i := 0; i < len(token); i++ {
		if c := token[i]; c < 0x20 || c > 0x7e {
			return Credential{}, errors.New(errors.ErrorTypeAuth, "INVALID_TOKEN", "token is not a valid header value").
				WithDetails("non-printable or non-ASCII byte")
		}
	}

	return Credential{header: "Bearer " + token}, nil
}

// Header returns the authorization header value sent with every call.
func (c Credential) Header() string {
	return c.header
}

// attach sets the authorization header on the outgoing metadata of ctx,
// replacing any value already there.
func (c Credential) attach(ctx context.Context) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(authorizationHeader, c.header)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c Credential) unaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(c.attach(ctx), method, req, reply, cc, opts...)
	}
}

func (c Credential) streamInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(c.attach(ctx), desc, cc, method, opts...)
	}
}
