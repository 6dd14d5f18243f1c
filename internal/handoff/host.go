package handoff

// HostCPU records the transfer instead of performing it, for running the
// boot sequence on a development host.
type HostCPU struct {
	StackPointer uint32
	VectorTable  uint32
	Entry        uint32
	Jumped       bool

	// Trace lists the steps in the order they ran.
	Trace []string
}

// SetStackPointer records the stack pointer.
func (c *HostCPU) SetStackPointer(sp uint32) {
	c.StackPointer = sp
	c.Trace = append(c.Trace, "msp")
}

// SetVectorTable records the vector table base.
func (c *HostCPU) SetVectorTable(base uint32) {
	c.VectorTable = base
	c.Trace = append(c.Trace, "vtor")
}

// Jump records the entry point and returns.
func (c *HostCPU) Jump(entry uint32) {
	c.Entry = entry
	c.Jumped = true
	c.Trace = append(c.Trace, "jump")
}
