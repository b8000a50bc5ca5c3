// Package gcodekit streams G-code programs to CNC motion controllers.
//
// The module is organized as a fixed pipeline:
//
//   - transport: byte-stream drivers for serial ports, TCP sockets, and
//     websocket serial bridges, plus an in-memory loopback for tests.
//   - communicator: owns one live connection, decodes controller output
//     into protocol events, and routes them.
//   - firmware: identifies the connected controller (GRBL, TinyG, g2core)
//     and supplies its capability table and protocol dialect.
//   - stream: the byte-budgeted streaming engine. Commands are admitted
//     to the wire only while their combined size fits the controller's
//     serial input buffer; acknowledgements credit capacity back in FIFO
//     order.
//   - event: the listener fabric fanning decoded events out to observers
//     without letting a slow observer stall the decode path.
//   - natsbridge: optionally mirrors events onto NATS subjects.
//
// cmd/gcodestream ties the pipeline together as a command line streamer.
package gcodekit
