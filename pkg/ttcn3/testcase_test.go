package ttcn3

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteReturnsFinalVerdict(t *testing.T) {
	e := withEnvironment(t, environmentConfig{})

	ran := false
	tc := NewTestCase("TC_PASS", func(c *Component) {
		ran = true
		c.SetVerdict(VerdictPass)
	})

	assert.Equal(t, VerdictPass, tc.Execute())
	assert.True(t, ran)

	results := e.ctrl.results()
	require.Len(t, results, 1)
	assert.Equal(t, testResult{Name: "TC_PASS", Verdict: VerdictPass}, results[0])
}

func TestExecuteSkippedAfterCancellation(t *testing.T) {
	e := withEnvironment(t, environmentConfig{})
	e.ctrl.cancel()

	ran := false
	tc := NewTestCase("TC_SKIPPED", func(c *Component) { ran = true })

	assert.Equal(t, VerdictNone, tc.Execute())
	assert.False(t, ran)
	assert.Empty(t, e.ctrl.results(), "skipped testcases are not recorded")
}

func TestExecuteGroupSelection(t *testing.T) {
	withEnvironment(t, environmentConfig{selectedGroups: []string{"nightly"}})

	var ranSmoke, ranNightly, ranUntagged bool

	smoke := NewTestCase("TC_SMOKE", func(c *Component) { ranSmoke = true; c.SetVerdict(VerdictPass) }).
		InGroups("smoke")
	nightly := NewTestCase("TC_NIGHTLY", func(c *Component) { ranNightly = true; c.SetVerdict(VerdictPass) }).
		InGroups("nightly", "slow")
	untagged := NewTestCase("TC_UNTAGGED", func(c *Component) { ranUntagged = true; c.SetVerdict(VerdictPass) })

	assert.Equal(t, VerdictNone, smoke.Execute())
	assert.Equal(t, VerdictPass, nightly.Execute())
	assert.Equal(t, VerdictPass, untagged.Execute())
	assert.False(t, ranSmoke)
	assert.True(t, ranNightly)
	assert.True(t, ranUntagged, "untagged testcases run under any selection")
}

func TestExecuteRuntimeErrorSetsErrorVerdict(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_UNWIRED_SEND", func(c *Component) {
		c.Port("out").Send("hello")
	})
	assert.Equal(t, VerdictError, tc.Execute())
}

func TestExecutePanicSetsErrorVerdict(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_PANIC", func(c *Component) {
		panic("unexpected user bug")
	})
	assert.Equal(t, VerdictError, tc.Execute())
}

func TestPTCVerdictMergesOnGracefulStop(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_MERGE", func(c *Component) {
		c.SetVerdict(VerdictPass)
		ptc := c.Create("worker", false)
		ptc.Start(func(p *Component) { p.SetVerdict(VerdictFail) })
		c.Alt(ptc.Done())
	})
	assert.Equal(t, VerdictFail, tc.Execute())
}

func TestKilledPTCVerdictIsDropped(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_KILL", func(c *Component) {
		c.SetVerdict(VerdictPass)
		ptc := c.Create("victim", false)
		ptc.Start(func(p *Component) {
			p.SetVerdict(VerdictFail)
			hang := p.NewTimer(time.Minute)
			hang.Start()
			p.Alt(hang.Timeout())
		})
		ptc.Kill()
		c.Alt(ptc.Killed())
	})
	assert.Equal(t, VerdictPass, tc.Execute(), "a killed component's verdict must not fold into the MTC")
}

func TestStoppedPTCVerdictStillMerges(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_PTC_STOP", func(c *Component) {
		ptc := c.Create("worker", false)
		ptc.Start(func(p *Component) {
			p.SetVerdict(VerdictInconc)
			hang := p.NewTimer(time.Minute)
			hang.Start()
			p.Alt(hang.Timeout())
		})
		ptc.Stop()
		c.Alt(ptc.Done())
	})
	assert.Equal(t, VerdictInconc, tc.Execute(), "a graceful stop folds the component verdict in")
}

func TestNonAliveStopBecomesKill(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	var stateSeen string
	tc := NewTestCase("TC_STOP_KILLS", func(c *Component) {
		ptc := c.Create("oneshot", false)
		ptc.Start(func(p *Component) {})
		c.Alt(ptc.Done())
		c.Alt(ptc.Killed())
		// Termination events are state, not triggers: they can be observed
		// again by a later alt.
		c.Alt(ptc.Done())
		stateSeen = ptc.State()
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
	assert.Equal(t, StateKilled, stateSeen)
}

func TestAlivePTCRestart(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	var firstRan, secondRan bool
	var stateBetween string
	tc := NewTestCase("TC_RESTART", func(c *Component) {
		ptc := c.Create("keeper", true)
		ptc.Start(func(p *Component) { firstRan = true })
		c.Alt(ptc.Done())
		stateBetween = ptc.State()

		// The restart must invalidate the previous run's done event, so the
		// next done alt really waits for the second behaviour.
		ptc.Start(func(p *Component) {
			time.Sleep(50 * time.Millisecond)
			secondRan = true
		})
		c.Alt(ptc.Done())
		if secondRan {
			c.SetVerdict(VerdictPass)
		} else {
			c.SetVerdict(VerdictFail)
		}
	})
	assert.Equal(t, VerdictPass, tc.Execute())
	assert.True(t, firstRan)
	assert.Equal(t, StateStopped, stateBetween, "alive components stop instead of dying")
}

func TestPortMessagingBetweenComponents(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	var received interface{}
	var sender string
	tc := NewTestCase("TC_MSG", func(c *Component) {
		ptc := c.Create("peer", false)
		Connect(c.Port("out"), ptc.Port("in"))
		ptc.Start(func(p *Component) {
			p.Alt(p.Port("in").Receive(map[string]interface{}{
				"status": Between(200, 299),
				"reason": Any(),
			}).From("mtc").Value(&received).Sender(&sender).Do(func() AltControl {
				p.SetVerdict(VerdictPass)
				return AltNone
			}))
		})
		c.Port("out").Send(map[string]interface{}{"status": 200, "reason": "OK"})
		c.Alt(ptc.Done())
	})
	assert.Equal(t, VerdictPass, tc.Execute())

	msg, ok := received.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 200, msg["status"])
	assert.Equal(t, "OK", msg["reason"])
	assert.Equal(t, "mtc", sender)
}

func TestReceiveBindsExtractedValues(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	var extracted interface{}
	tc := NewTestCase("TC_EXTRACT", func(c *Component) {
		ptc := c.Create("peer", false)
		Connect(c.Port("sig"), ptc.Port("sig"))
		ptc.Start(func(p *Component) {
			p.Alt(p.Port("sig").Receive(map[string]interface{}{
				"status": Extract(Between(200, 299), "status"),
			}))
			extracted = p.ExtractedValue("status")
		})
		c.Port("sig").Send(map[string]interface{}{"status": 204})
		c.Alt(ptc.Done())
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
	assert.Equal(t, 204, extracted)
}

func TestPortAwait(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_AWAIT", func(c *Component) {
		ptc := c.Create("peer", false)
		Connect(c.Port("rx"), ptc.Port("tx"))
		ptc.Start(func(p *Component) {
			time.Sleep(10 * time.Millisecond)
			p.Port("tx").Send("ping")
		})

		got, ok := c.Port("rx").Await("ping", 2*time.Second)
		if !ok || got != "ping" {
			c.SetVerdict(VerdictFail)
			return
		}
		if _, ok := c.Port("rx").Await("never", 30*time.Millisecond); ok {
			c.SetVerdict(VerdictFail)
			return
		}
		c.Alt(ptc.Done())
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
}

func TestConnectOneConnectionPerComponentPair(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	reconnected := false
	tc := NewTestCase("TC_CONNECT_PAIR", func(c *Component) {
		ptc := c.Create("peer", false)
		Connect(c.Port("ctrl"), ptc.Port("ctrl"))
		// Reconnecting the same pair is a no-op.
		Connect(c.Port("ctrl"), ptc.Port("ctrl"))
		reconnected = true
		// A second port pair between the same two components is refused.
		Connect(c.Port("data"), ptc.Port("data"))
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictError, tc.Execute())
	assert.True(t, reconnected)
}

func TestStoppedPortDropsIncomingMessages(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_PORT_STOP", func(c *Component) {
		ptc := c.Create("peer", false)
		rx := c.Port("rx")
		Connect(rx, ptc.Port("tx"))
		rx.Stop()
		ptc.Start(func(p *Component) { p.Port("tx").Send("lost") })
		c.Alt(ptc.Done())
		if rx.hasMessages() {
			c.SetVerdict(VerdictFail)
		} else {
			c.SetVerdict(VerdictPass)
		}
	})
	assert.Equal(t, VerdictPass, tc.Execute())
}

func TestStoppedPortDoesNotSend(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_PORT_SEND_STOPPED", func(c *Component) {
		ptc := c.Create("peer", false)
		tx := c.Port("tx")
		rx := ptc.Port("rx")
		Connect(tx, rx)

		tx.Stop()
		if tx.Send("hello") || rx.hasMessages() {
			c.SetVerdict(VerdictFail)
			return
		}

		tx.Start()
		if !tx.Send("hello") || !rx.hasMessages() {
			c.SetVerdict(VerdictFail)
			return
		}

		// A started port with no connection and no mapping accepts the
		// send; the message just has nowhere to go.
		if !c.Port("loose").Send("nowhere") {
			c.SetVerdict(VerdictFail)
			return
		}
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
}

func TestTimerTimeoutBranch(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_TIMEOUT", func(c *Component) {
		watchdog := c.NewNamedTimer("watchdog", 30*time.Millisecond)
		watchdog.Start()
		c.Alt(watchdog.Timeout().Do(func() AltControl {
			c.SetVerdict(VerdictPass)
			return AltNone
		}))
		if watchdog.Running() {
			c.SetVerdict(VerdictFail)
		}
	})
	assert.Equal(t, VerdictPass, tc.Execute())
}

func TestStoppedTimerDoesNotExpire(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_TIMER_STOP", func(c *Component) {
		stopped := c.NewNamedTimer("stopped", 500*time.Millisecond)
		fallback := c.NewNamedTimer("fallback", 50*time.Millisecond)
		stopped.Start()
		stopped.Stop()
		fallback.Start()
		c.Alt(
			stopped.Timeout().Do(func() AltControl {
				c.SetVerdict(VerdictFail)
				return AltNone
			}),
			fallback.Timeout().Do(func() AltControl {
				c.SetVerdict(VerdictPass)
				return AltNone
			}),
		)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
}

func TestTimerRestartInvalidatesStaleExpiry(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_TIMER_RESTART", func(c *Component) {
		flaky := c.NewNamedTimer("flaky", 10*time.Millisecond)
		quick := c.NewNamedTimer("quick", 80*time.Millisecond)
		flaky.Start()
		time.Sleep(50 * time.Millisecond) // let the expiry reach the queue
		flaky.Start(10 * time.Second)
		quick.Start()
		c.Alt(
			flaky.Timeout().Do(func() AltControl {
				c.SetVerdict(VerdictFail)
				return AltNone
			}),
			quick.Timeout().Do(func() AltControl {
				c.SetVerdict(VerdictPass)
				return AltNone
			}),
		)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
}

func TestComponentAggregates(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	tc := NewTestCase("TC_AGGREGATE", func(c *Component) {
		a := c.Create("a", false)
		b := c.Create("b", false)
		a.Start(func(p *Component) {})
		b.Start(func(p *Component) { time.Sleep(20 * time.Millisecond) })
		c.Alt(AnyComponentDone())
		c.Alt(AllComponentsDone())
		c.Alt(AllComponentsKilled())
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
}

func TestAltRepeat(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	count := 0
	tc := NewTestCase("TC_REPEAT", func(c *Component) {
		ptc := c.Create("feeder", false)
		Connect(c.Port("rx"), ptc.Port("tx"))
		ptc.Start(func(p *Component) {
			for i := 0; i < 3; i++ {
				p.Port("tx").Send(i + 1)
			}
		})
		c.Alt(c.Port("rx").Receive(Any()).Do(func() AltControl {
			count++
			if count < 3 {
				return Repeat
			}
			return AltNone
		}))
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
	assert.Equal(t, 3, count)
}

func TestActivatedDefaultsAndDeactivation(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	var handled, timedOut bool
	tc := NewTestCase("TC_DEFAULTS", func(c *Component) {
		ptc := c.Create("w1", false)
		ref := c.Activate(ptc.Done().Do(func() AltControl {
			handled = true
			return Return
		}))
		ptc.Start(func(p *Component) {})

		quiet := c.NewNamedTimer("quiet", 10*time.Second)
		quiet.Start()
		c.Alt(quiet.Timeout().Do(func() AltControl {
			timedOut = true
			return AltNone
		}))
		quiet.Stop()

		// Once deactivated, the still-queued done event no longer has a
		// matching branch and the alt falls through to the timeout.
		c.Deactivate(ref)
		grace := c.NewNamedTimer("grace", 30*time.Millisecond)
		grace.Start()
		c.Alt(grace.Timeout())
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
	assert.True(t, handled, "the activated default must handle the done event")
	assert.False(t, timedOut)
}

func TestStopRequestUnwindsBehaviour(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	afterAlt := false
	tc := NewTestCase("TC_STOP_UNWIND", func(c *Component) {
		c.SetVerdict(VerdictPass)
		ptc := c.Create("stopper", false)
		ptc.Start(func(p *Component) { p.MTC().Stop() })
		hang := c.NewTimer(time.Minute)
		hang.Start()
		c.Alt(hang.Timeout())
		afterAlt = true
	})
	assert.Equal(t, VerdictPass, tc.Execute())
	assert.False(t, afterAlt, "the behaviour must unwind at the alt, not run past it")
}

func TestWithLocalSessionIsScopedToTheExecution(t *testing.T) {
	withEnvironment(t, environmentConfig{session: map[string]interface{}{"PX_MODE": "default"}})

	var seen interface{}
	tc := NewTestCase("TC_SESSION", func(c *Component) {
		seen = GetVariable("PX_MODE", nil)
		c.SetVerdict(VerdictPass)
	})
	tc.Execute(WithLocalSession(map[string]interface{}{"PX_MODE": "override"}))

	assert.Equal(t, "override", seen)
	assert.Equal(t, "default", GetVariable("PX_MODE", nil))
}

func TestExecuteFailsWhenProbesCannotBeReserved(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	cfg := NewTestAdapterConfiguration("remote-only")
	require.NoError(t, cfg.BindByURI("sip", "probe:sip01@agent01", "sip.udp", nil))

	ran := false
	tc := NewTestCase("TC_NO_CONTROLLER", func(c *Component) { ran = true })

	assert.Equal(t, VerdictError, tc.Execute(WithTestAdapter(cfg)),
		"a remote binding without an agent controller cannot be reserved")
	assert.False(t, ran, "the body must not run when the adapter setup fails")
}

func TestCreateGeneratesComponentNames(t *testing.T) {
	withEnvironment(t, environmentConfig{})

	var names []string
	tc := NewTestCase("TC_NAMES", func(c *Component) {
		names = append(names, c.Create("", false).Name())
		names = append(names, c.Create("explicit", false).Name())
		names = append(names, c.Create("", false).Name())
		c.SetVerdict(VerdictPass)
	})
	assert.Equal(t, VerdictPass, tc.Execute())
	assert.Equal(t, []string{"ptc_1", "explicit", "ptc_2"}, names)
}
