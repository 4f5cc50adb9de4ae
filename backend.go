package usb

// PollFD is a file descriptor the event loop must include in its readiness
// multiplex, together with the poll events the backend cares about.
type PollFD struct {
	FD     int
	Events int16
}

// ReadyFD reports poll results for one backend file descriptor.
type ReadyFD struct {
	FD      int
	Revents int16
}

// Backend is the capability set the engine requires from an OS transport.
// Exactly one backend is selected at build time.
//
// A backend reports transfer outcomes by calling handleTransferCompletion
// for natural terminal states and handleTransferCancellation when a
// previously requested cancel has propagated. It publishes its file
// descriptors through addPollFD/removePollFD and builds its device set
// with allocDevice/deviceBySessionID/sanitizeDevice.
type Backend interface {
	Init(ctx *Context) error
	Exit(ctx *Context)

	// DeviceList populates a discovered-devices vector. Every returned
	// Device carries one reference owned by the vector.
	DeviceList(ctx *Context) ([]*Device, error)

	Open(h *DeviceHandle) error
	Close(h *DeviceHandle)

	// DeviceDescriptor returns the raw 18-byte device descriptor in bus
	// (little-endian) order.
	DeviceDescriptor(d *Device) ([]byte, error)
	// ActiveConfigDescriptor returns the raw descriptor block of the
	// active configuration.
	ActiveConfigDescriptor(d *Device) ([]byte, error)

	SetConfiguration(h *DeviceHandle, value int) error
	ClaimInterface(h *DeviceHandle, number int) error
	ReleaseInterface(h *DeviceHandle, number int) error
	SetInterfaceAltSetting(h *DeviceHandle, number, alt int) error
	ClearHalt(h *DeviceHandle, endpoint uint8) error
	ResetDevice(h *DeviceHandle) error

	SubmitTransfer(t *Transfer) error
	CancelTransfer(t *Transfer) error

	// HandleEvents consumes readiness reported by the event loop and
	// drives completions. Called only under the single-driver contract.
	HandleEvents(ctx *Context, ready []ReadyFD) error

	// DestroyDevice releases the backend-private state of d. Called on
	// the final unref.
	DestroyDevice(d *Device)
}

// kernelDriverBackend is the optional capability for querying and detaching
// kernel drivers. Backends that do not implement it make the corresponding
// handle operations report ErrNotSupported.
type kernelDriverBackend interface {
	KernelDriverActive(h *DeviceHandle, number int) (bool, error)
	DetachKernelDriver(h *DeviceHandle, number int) error
}
