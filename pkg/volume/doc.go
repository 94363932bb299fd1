// Package volume manages storage pools and per-VM disk volumes.
//
// Every VM boots from a copy-on-write qcow2 overlay whose backing file is a
// shared read-only base image. The manager validates the base image and the
// pool's free space before allocating, and on release deletes only the
// overlay. Base images are treated as immutable inputs owned by the
// operator.
package volume
