// Package ttcn3 implements the test execution runtime embedded in every
// Test Executable: test components, message ports, timers, templates and
// the alt snapshot/matching primitive, plus the system event queue that
// carries timer expiries and component lifecycle events.
//
// A Test Executable is an ordinary Go program that declares testcases and
// hands control to Main:
//
//	func main() {
//		ttcn3.Main(func() {
//			ttcn3.NewTestCase("TC_HELLO", func(c *ttcn3.Component) {
//				c.SetVerdict(ttcn3.VerdictPass)
//			}).Execute()
//		})
//	}
//
// When started with --server-controlled, the runtime connects to the agent
// controller for probe I/O and ships structured test logs to the server's
// Il sink. Without it, everything runs locally and logs go to a file or
// stdout, which keeps the runtime usable for standalone test development.
package ttcn3
