// Package ble implements the BLE medium layer of the proximity stack:
// advertisement and packet wire formats, GATT read retry bookkeeping,
// discovered-peripheral tracking with found/lost detection, instant
// on-lost broadcasting, and the per-service medium coordinator that ties
// them together on top of a platform driver.
package ble
