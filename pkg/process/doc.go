/*
Package process implements the process table, the per-CPU schedulers and
the process lifecycle of the kernel.

Each process runs its body, a Main function, on its own goroutine, but only
while a CPU has handed control to it. Control moves by explicit handoff: a
scheduler sends on the process's resume channel and blocks until the process
hands control back on the CPU's switch channel. The table lock is held
across the handoff in both directions, so every state change and the
sleep/wakeup protocol are serialized by it.

Scheduling is cooperative. A timer tick asks the running process to yield,
and the request is honoured at the next trap return: the end of any system
call or user memory access. Killing a process is also deferred to trap
return.

# Process States

  - Unused: free slot
  - Embryo: being created by Boot or Fork
  - Runnable: waiting for a CPU
  - Running: executing on a CPU
  - Sleeping: blocked until a wakeup on its channel
  - Zombie: exited, waiting for its parent to call Wait

# Usage

Booting init and running the machine:

	tbl := process.NewTable(frames, fs, process.DefaultOptions())
	_, err := tbl.Boot("init", func(p *process.Proc) int {
		if _, err := p.Fork(child); err != nil {
			return 1
		}
		p.Wait()
		return 0
	})
	if err != nil {
		// Handle error
	}
	err = tbl.Run(ctx)

The machine halts when init exits; init first reaps every remaining
process. Cancelling the context passed to Run kills every process instead.

# Memory

Every process owns a vm.AddressSpace. Fork copies its heap and private
regions and shares its shared regions with the child. Load and Store access
user memory through the fault path: a grows-upward region is extended on
demand and any other fault kills the process.
*/
package process
