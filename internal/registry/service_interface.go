package registry

// Service is the lifecycle contract for every long-running component
// (broker connection, device tracker, schedule runner, capture broker, HTTP server).
type Service interface {
	Start() error
	Stop() error
}
