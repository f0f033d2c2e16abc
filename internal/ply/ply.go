// Package ply reads point-cloud PLY files as produced by the SfM/MVS
// toolchain: ascii or binary little-endian, a vertex element with float or
// double coordinates and optional uchar colors. Faces and other elements are
// ignored.
package ply

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Cloud is a loaded point cloud.
type Cloud struct {
	Points [][3]float64
	Colors [][3]uint8 // Empty when the file carries no color.
}

// HasColor reports whether per-point colors were present.
func (c *Cloud) HasColor() bool { return len(c.Colors) == len(c.Points) && len(c.Colors) > 0 }

type format int

const (
	formatASCII format = iota
	formatBinaryLE
)

type property struct {
	name string
	typ  string
}

type header struct {
	format      format
	vertexCount int
	properties  []property // Vertex element properties, in declared order.
}

// Count returns the declared vertex count without reading the body.
func Count(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	h, err := parseHeader(bufio.NewReader(f))
	if err != nil {
		return 0, err
	}

	return h.vertexCount, nil
}

// Load reads the full vertex data of the file.
func Load(path string) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := parseHeader(r)
	if err != nil {
		return nil, err
	}

	switch h.format {
	case formatASCII:
		return loadASCII(r, h)
	default:
		return loadBinaryLE(r, h)
	}
}

func parseHeader(r *bufio.Reader) (*header, error) {
	line, err := readLine(r)
	if err != nil || line != "ply" {
		return nil, fmt.Errorf("not a PLY file")
	}

	h := &header{vertexCount: -1}
	inVertexElement := false

	for {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("truncated header: %w", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed format line")
			}
			switch fields[1] {
			case "ascii":
				h.format = formatASCII
			case "binary_little_endian":
				h.format = formatBinaryLE
			default:
				return nil, fmt.Errorf("unsupported PLY format %q", fields[1])
			}
		case "element":
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed element line")
			}
			inVertexElement = fields[1] == "vertex"
			if inVertexElement {
				n, err := strconv.Atoi(fields[2])
				if err != nil {
					return nil, fmt.Errorf("invalid vertex count: %w", err)
				}
				h.vertexCount = n
			}
		case "property":
			if !inVertexElement {
				continue
			}
			if fields[1] == "list" {
				return nil, fmt.Errorf("list properties not supported on vertex element")
			}
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed property line")
			}
			h.properties = append(h.properties, property{name: fields[2], typ: fields[1]})
		case "end_header":
			if h.vertexCount < 0 {
				return nil, fmt.Errorf("no vertex element declared")
			}
			return h, nil
		case "comment", "obj_info":
			// Skip.
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func typeSize(typ string) (int, error) {
	switch typ {
	case "char", "uchar", "int8", "uint8":
		return 1, nil
	case "short", "ushort", "int16", "uint16":
		return 2, nil
	case "int", "uint", "int32", "uint32", "float", "float32":
		return 4, nil
	case "double", "float64":
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported property type %q", typ)
}

func loadASCII(r *bufio.Reader, h *header) (*Cloud, error) {
	cloud := &Cloud{Points: make([][3]float64, 0, h.vertexCount)}
	colorIdx, coordIdx, hasColor, err := propertyIndexes(h)
	if err != nil {
		return nil, err
	}

	for i := 0; i < h.vertexCount; i++ {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("truncated vertex data at %d: %w", i, err)
		}
		fields := strings.Fields(line)
		if len(fields) < len(h.properties) {
			return nil, fmt.Errorf("short vertex row at %d", i)
		}

		var p [3]float64
		for axis := 0; axis < 3; axis++ {
			v, err := strconv.ParseFloat(fields[coordIdx[axis]], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid coordinate at vertex %d: %w", i, err)
			}
			p[axis] = v
		}
		cloud.Points = append(cloud.Points, p)

		if hasColor {
			var c [3]uint8
			for ch := 0; ch < 3; ch++ {
				v, err := strconv.ParseUint(fields[colorIdx[ch]], 10, 8)
				if err != nil {
					return nil, fmt.Errorf("invalid color at vertex %d: %w", i, err)
				}
				c[ch] = uint8(v)
			}
			cloud.Colors = append(cloud.Colors, c)
		}
	}

	return cloud, nil
}

func loadBinaryLE(r *bufio.Reader, h *header) (*Cloud, error) {
	colorIdx, coordIdx, hasColor, err := propertyIndexes(h)
	if err != nil {
		return nil, err
	}

	offsets := make([]int, len(h.properties))
	stride := 0
	for i, p := range h.properties {
		offsets[i] = stride
		size, err := typeSize(p.typ)
		if err != nil {
			return nil, err
		}
		stride += size
	}

	cloud := &Cloud{Points: make([][3]float64, 0, h.vertexCount)}
	row := make([]byte, stride)

	for i := 0; i < h.vertexCount; i++ {
		if _, err := io.ReadFull(r, row); err != nil {
			return nil, fmt.Errorf("truncated vertex data at %d: %w", i, err)
		}

		var p [3]float64
		for axis := 0; axis < 3; axis++ {
			idx := coordIdx[axis]
			v, err := readScalar(row[offsets[idx]:], h.properties[idx].typ)
			if err != nil {
				return nil, err
			}
			p[axis] = v
		}
		cloud.Points = append(cloud.Points, p)

		if hasColor {
			var c [3]uint8
			for ch := 0; ch < 3; ch++ {
				idx := colorIdx[ch]
				v, err := readScalar(row[offsets[idx]:], h.properties[idx].typ)
				if err != nil {
					return nil, err
				}
				c[ch] = uint8(v)
			}
			cloud.Colors = append(cloud.Colors, c)
		}
	}

	return cloud, nil
}

// propertyIndexes locates x/y/z and red/green/blue in the property order.
func propertyIndexes(h *header) (colorIdx, coordIdx [3]int, hasColor bool, err error) {
	coord := map[string]int{"x": -1, "y": -1, "z": -1}
	color := map[string]int{"red": -1, "green": -1, "blue": -1}

	for i, p := range h.properties {
		name := p.name
		// Some tools emit diffuse_red etc.
		name = strings.TrimPrefix(name, "diffuse_")
		if _, ok := coord[name]; ok {
			coord[name] = i
		}
		if _, ok := color[name]; ok {
			color[name] = i
		}
	}

	if coord["x"] < 0 || coord["y"] < 0 || coord["z"] < 0 {
		return colorIdx, coordIdx, false, fmt.Errorf("vertex element misses x/y/z properties")
	}
	coordIdx = [3]int{coord["x"], coord["y"], coord["z"]}

	hasColor = color["red"] >= 0 && color["green"] >= 0 && color["blue"] >= 0
	if hasColor {
		colorIdx = [3]int{color["red"], color["green"], color["blue"]}
	}

	return colorIdx, coordIdx, hasColor, nil
}

func readScalar(b []byte, typ string) (float64, error) {
	switch typ {
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "short", "int16":
		return float64(int16(binary.LittleEndian.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(binary.LittleEndian.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(binary.LittleEndian.Uint32(b))), nil
	case "uint", "uint32":
		return float64(binary.LittleEndian.Uint32(b)), nil
	case "float", "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case "double", "float64":
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	}
	return 0, fmt.Errorf("unsupported property type %q", typ)
}
