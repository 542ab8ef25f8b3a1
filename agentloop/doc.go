// Package agentloop implements boomerang's autonomous coding-agent engine.
//
// A Task pairs a streamed language model with workspace tools. Each turn
// sends the conversation to a Backend, parses the streamed assistant text
// into text and XML tool-use blocks, presents them in order and feeds the
// tool results back as the next turn's user content. Turns are driven by
// an explicit stack of StackFrame values rather than recursion.
//
// Tasks nest: the new_task tool pushes a subtask onto the Controller's
// TaskStack and pauses its parent, and attempt_completion in the subtask
// pops it and hands its result back to the parent.
//
// # Architecture
//
//   - Task: one agent instance with its conversation, message log and
//     pause/abort state.
//   - Controller: owns the TaskStack and implements Host, persisting
//     through a Store and talking to the user through a UI.
//   - ToolRegistry and ModeRegistry: the tools a task can call and the
//     modes that gate them.
//   - ExecutionEnvironment: where tools read, write and run commands.
//   - BackgroundDrain: finishes reading an abandoned stream so its usage
//     is still accounted.
//
// # Quick Start
//
//	env := agentloop.NewLocalExecutionEnvironment("/path/to/project")
//	ui := agentloop.NewEventUI(0)
//	ctrl := agentloop.NewController(agentloop.DefaultControllerConfig(), agentloop.ControllerDeps{
//	    Store: store, Backend: client, UI: ui, Env: env,
//	})
//	if _, err := ctrl.StartTask(ctx, "Create a hello.py file", nil); err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range ui.Events() {
//	    if ev.Kind == agentloop.EventAsk {
//	        ui.Respond(ev.Message.Ts, agentloop.AskResponse{Response: agentloop.ResponseYes})
//	    }
//	}
package agentloop
