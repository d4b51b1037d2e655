package unixfs

import (
	"errors"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// The wire form is the unixfs Data protobuf:
//
//	message Data {
//		required DataType Type = 1;
//		optional bytes Data = 2;
//		optional uint64 filesize = 3;
//		repeated uint64 blocksizes = 4;
//		optional uint64 hashType = 5;
//		optional uint64 fanout = 6;
//		optional uint32 mode = 7;
//		optional UnixTime mtime = 8;
//	}
//
//	message UnixTime {
//		required int64 Seconds = 1;
//		optional fixed32 FractionalNanoseconds = 2;
//	}

const (
	pbTypeField       = 1
	pbDataField       = 2
	pbFilesizeField   = 3
	pbBlocksizesField = 4
	pbHashTypeField   = 5
	pbFanoutField     = 6
	pbModeField       = 7
	pbMtimeField      = 8

	pbMtimeSecondsField = 1
	pbMtimeNanosField   = 2
)

func (n *FSNode) marshal() []byte {
	buf := protowire.AppendTag(nil, pbTypeField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(n.nodeType))
	if n.data != nil {
		buf = protowire.AppendTag(buf, pbDataField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, n.data)
	}
	if n.filesize > 0 || n.nodeType == TFile || n.nodeType == TRaw {
		buf = protowire.AppendTag(buf, pbFilesizeField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, n.filesize)
	}
	for _, bs := range n.blocksizes {
		buf = protowire.AppendTag(buf, pbBlocksizesField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, bs)
	}
	if n.hashType > 0 {
		buf = protowire.AppendTag(buf, pbHashTypeField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, n.hashType)
	}
	if n.fanout > 0 {
		buf = protowire.AppendTag(buf, pbFanoutField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, n.fanout)
	}
	if n.mode > 0 {
		buf = protowire.AppendTag(buf, pbModeField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(n.mode))
	}
	if !n.mtime.IsZero() {
		buf = protowire.AppendTag(buf, pbMtimeField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalUnixTime(n.mtime))
	}
	return buf
}

func marshalUnixTime(ts time.Time) []byte {
	buf := protowire.AppendTag(nil, pbMtimeSecondsField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(ts.Unix()))
	if ns := ts.Nanosecond(); ns > 0 {
		buf = protowire.AppendTag(buf, pbMtimeNanosField, protowire.Fixed32Type)
		buf = protowire.AppendFixed32(buf, uint32(ns))
	}
	return buf
}

func (n *FSNode) unmarshal(data []byte) error {
	haveType := false
	for len(data) > 0 {
		num, typ, taglen := protowire.ConsumeTag(data)
		if taglen < 0 {
			return protowire.ParseError(taglen)
		}
		data = data[taglen:]

		var fieldlen int
		switch num {
		case pbTypeField:
			v, vlen := protowire.ConsumeVarint(data)
			if vlen < 0 {
				return protowire.ParseError(vlen)
			}
			if v > uint64(THAMTShard) {
				return ErrUnrecognizedType
			}
			n.nodeType = DataType(v)
			haveType = true
			fieldlen = vlen
		case pbDataField:
			v, vlen := protowire.ConsumeBytes(data)
			if vlen < 0 {
				return protowire.ParseError(vlen)
			}
			n.data = v
			fieldlen = vlen
		case pbFilesizeField:
			v, vlen := protowire.ConsumeVarint(data)
			if vlen < 0 {
				return protowire.ParseError(vlen)
			}
			n.filesize = v
			fieldlen = vlen
		case pbBlocksizesField:
			// accept both unpacked and packed encodings
			if typ == protowire.BytesType {
				v, vlen := protowire.ConsumeBytes(data)
				if vlen < 0 {
					return protowire.ParseError(vlen)
				}
				for len(v) > 0 {
					bs, l := protowire.ConsumeVarint(v)
					if l < 0 {
						return protowire.ParseError(l)
					}
					n.blocksizes = append(n.blocksizes, bs)
					v = v[l:]
				}
				fieldlen = vlen
			} else {
				v, vlen := protowire.ConsumeVarint(data)
				if vlen < 0 {
					return protowire.ParseError(vlen)
				}
				n.blocksizes = append(n.blocksizes, v)
				fieldlen = vlen
			}
		case pbHashTypeField:
			v, vlen := protowire.ConsumeVarint(data)
			if vlen < 0 {
				return protowire.ParseError(vlen)
			}
			n.hashType = v
			fieldlen = vlen
		case pbFanoutField:
			v, vlen := protowire.ConsumeVarint(data)
			if vlen < 0 {
				return protowire.ParseError(vlen)
			}
			n.fanout = v
			fieldlen = vlen
		case pbModeField:
			v, vlen := protowire.ConsumeVarint(data)
			if vlen < 0 {
				return protowire.ParseError(vlen)
			}
			if v > math.MaxUint32 {
				return errors.New("mode out of range")
			}
			n.mode = uint32(v)
			fieldlen = vlen
		case pbMtimeField:
			v, vlen := protowire.ConsumeBytes(data)
			if vlen < 0 {
				return protowire.ParseError(vlen)
			}
			ts, err := unmarshalUnixTime(v)
			if err != nil {
				return err
			}
			n.mtime = ts
			fieldlen = vlen
		default:
			fieldlen = protowire.ConsumeFieldValue(num, typ, data)
			if fieldlen < 0 {
				return protowire.ParseError(fieldlen)
			}
		}
		data = data[fieldlen:]
	}
	if !haveType {
		return errors.New("missing node type")
	}
	return nil
}

func unmarshalUnixTime(data []byte) (time.Time, error) {
	var secs int64
	var nanos uint32
	haveSecs := false
	for len(data) > 0 {
		num, typ, taglen := protowire.ConsumeTag(data)
		if taglen < 0 {
			return time.Time{}, protowire.ParseError(taglen)
		}
		data = data[taglen:]

		var fieldlen int
		switch num {
		case pbMtimeSecondsField:
			v, vlen := protowire.ConsumeVarint(data)
			if vlen < 0 {
				return time.Time{}, protowire.ParseError(vlen)
			}
			secs = int64(v)
			haveSecs = true
			fieldlen = vlen
		case pbMtimeNanosField:
			v, vlen := protowire.ConsumeFixed32(data)
			if vlen < 0 {
				return time.Time{}, protowire.ParseError(vlen)
			}
			if v >= uint32(time.Second) {
				return time.Time{}, errors.New("mtime nanoseconds out of range")
			}
			nanos = v
			fieldlen = vlen
		default:
			fieldlen = protowire.ConsumeFieldValue(num, typ, data)
			if fieldlen < 0 {
				return time.Time{}, protowire.ParseError(fieldlen)
			}
		}
		data = data[fieldlen:]
	}
	if !haveSecs {
		return time.Time{}, errors.New("mtime without seconds")
	}
	return time.Unix(secs, int64(nanos)), nil
}
