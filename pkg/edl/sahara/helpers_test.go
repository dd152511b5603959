package sahara_test

import "qdl/pkg/edl/transport"

func transportOpenOpts() transport.OpenOptions {
	return transport.OpenOptions{Endpoint: "mock", DiscardOnOpen: false}
}
