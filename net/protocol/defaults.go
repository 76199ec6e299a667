package protocol

// Default listener addresses for the worker-facing side of a broker.
var DefaultListeners = []string{
	"socket:///tmp/reasonchip-broker-worker.sock",
	"tcp://[::1]/",
	"grpc://[::1]/",
}

// Default server addresses for the client-facing side of a broker.
var DefaultServers = []string{
	"socket:///tmp/reasonchip-broker-client.sock",
	"tcp://[::1]/",
	"grpc://[::1]/",
	"http://[::1]/",
}

// Default ports per scheme and role. Worker-facing and client-facing
// listeners are distinct and non-overlapping.
const (
	DefaultClientPortTCP  = 51500
	DefaultClientPortGRPC = 51501
	DefaultClientPortHTTP = 51502

	DefaultWorkerPortTCP  = 51510
	DefaultWorkerPortGRPC = 51511
)
