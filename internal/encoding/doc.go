// Package encoding implements the column codecs used by history-file nodes.
//
// A node is stored column by column:
//   - Delta: interval start and end times (delta-of-delta, end times are
//     non-decreasing inside a node so most entries cost a single bit)
//   - Raw: attribute quarks
//   - Gorilla: double state values (XOR encoding)
//   - Dictionary: string state values
//   - RLE: state value kinds
//
// Block ties the columns together into one self-describing byte slice.
package encoding
