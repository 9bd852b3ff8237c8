package master

// Console receives registry growth and status text from the master. The
// console never mutates the registry; it reads snapshots through Master.Workers.
type Console interface {
	// OnConnectionRegistered is called after a worker joins the registry.
	OnConnectionRegistered(info ConnectionInfo)

	// OnStatus is called with human-readable progress and error text.
	OnStatus(text string)
}

// Stopper is satisfied by anything whose background loop can be asked to stop.
type Stopper interface {
	Stop()
}

type nopConsole struct{}

func (nopConsole) OnConnectionRegistered(ConnectionInfo) {}
func (nopConsole) OnStatus(string)                       {}
