// Package queue provides the bounded FIFO used between pipeline stages.
//
// A Queue carries either values or stop markers. Producers block while the
// queue is full, which is how a slow stage pushes back on a fast one.
// Consumers acknowledge each item with Done so that Join can tell when a
// queue has been fully drained, stop markers included.
package queue
