// Package events carries task submission requests from in-process producers
// to the engine without those producers importing the task package.
//
// A producer builds a TaskRequestEvent and hands it to an EventEmitter; the
// engine registers an EventHandler that turns each event into a queued task.
package events
