package merkledag

import (
	"errors"
	"fmt"
	"sort"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	mc "github.com/multiformats/go-multicodec"
	"google.golang.org/protobuf/encoding/protowire"
)

// The wire form is the dag-pb protobuf:
//
//	message PBLink { bytes Hash = 1; string Name = 2; uint64 Tsize = 3; }
//	message PBNode { bytes Data = 1; repeated PBLink Links = 2; }
//
// The canonical encoding emits Links before Data (despite the field
// numbers), with links sorted by name. The sort is stable so the unnamed
// links of file DAGs keep their block order. Encoding the same links+data
// always produces the same bytes, so hashing stays a pure function of
// content.

const (
	pbNodeDataField  = 1
	pbNodeLinksField = 2

	pbLinkHashField  = 1
	pbLinkNameField  = 2
	pbLinkTsizeField = 3
)

func marshalLink(l *ipld.Link) []byte {
	buf := protowire.AppendTag(nil, pbLinkHashField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, l.Cid.Bytes())
	buf = protowire.AppendTag(buf, pbLinkNameField, protowire.BytesType)
	buf = protowire.AppendString(buf, l.Name)
	buf = protowire.AppendTag(buf, pbLinkTsizeField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, l.Size)
	return buf
}

// marshal encodes the node into its stable wire form.
func (n *ProtoNode) marshal() ([]byte, error) {
	var buf []byte
	for _, l := range n.links {
		if !l.Cid.Defined() {
			return nil, errors.New("cannot encode link with undefined cid")
		}
		buf = protowire.AppendTag(buf, pbNodeLinksField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalLink(l))
	}
	if len(n.data) > 0 {
		buf = protowire.AppendTag(buf, pbNodeDataField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, n.data)
	}
	return buf, nil
}

// EncodeProtobuf returns the encoded raw data version of a Node instance.
// It may use a cached encoded version, unless the force flag is given.
func (n *ProtoNode) EncodeProtobuf(force bool) ([]byte, error) {
	sort.Stable(LinkSlice(n.links))
	if n.encoded == nil || n.linksDirty || force {
		n.cached = cid.Undef
		var err error
		n.encoded, err = n.marshal()
		if err != nil {
			return nil, err
		}
		n.linksDirty = false
	}

	if !n.cached.Defined() {
		c, err := n.CidBuilder().Sum(n.encoded)
		if err != nil {
			return nil, err
		}

		n.cached = c
	}

	return n.encoded, nil
}

func unmarshalLink(data []byte) (*ipld.Link, error) {
	lnk := new(ipld.Link)
	for len(data) > 0 {
		num, typ, taglen := protowire.ConsumeTag(data)
		if taglen < 0 {
			return nil, protowire.ParseError(taglen)
		}
		data = data[taglen:]

		var n int
		switch num {
		case pbLinkHashField:
			v, vlen := protowire.ConsumeBytes(data)
			if vlen < 0 {
				return nil, protowire.ParseError(vlen)
			}
			c, err := cid.Cast(v)
			if err != nil {
				return nil, fmt.Errorf("invalid cid in link: %w", err)
			}
			lnk.Cid = c
			n = vlen
		case pbLinkNameField:
			v, vlen := protowire.ConsumeString(data)
			if vlen < 0 {
				return nil, protowire.ParseError(vlen)
			}
			lnk.Name = v
			n = vlen
		case pbLinkTsizeField:
			v, vlen := protowire.ConsumeVarint(data)
			if vlen < 0 {
				return nil, protowire.ParseError(vlen)
			}
			lnk.Size = v
			n = vlen
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
		}
		data = data[n:]
	}
	if !lnk.Cid.Defined() {
		return nil, errors.New("link without hash")
	}
	return lnk, nil
}

// DecodeProtoNode decodes a protobuf-encoded dag node.
func DecodeProtoNode(encoded []byte) (*ProtoNode, error) {
	n := new(ProtoNode)
	data := encoded
	for len(data) > 0 {
		num, typ, taglen := protowire.ConsumeTag(data)
		if taglen < 0 {
			return nil, protowire.ParseError(taglen)
		}
		data = data[taglen:]

		var fieldlen int
		switch num {
		case pbNodeDataField:
			v, vlen := protowire.ConsumeBytes(data)
			if vlen < 0 {
				return nil, protowire.ParseError(vlen)
			}
			n.data = v
			fieldlen = vlen
		case pbNodeLinksField:
			v, vlen := protowire.ConsumeBytes(data)
			if vlen < 0 {
				return nil, protowire.ParseError(vlen)
			}
			lnk, err := unmarshalLink(v)
			if err != nil {
				return nil, err
			}
			n.links = append(n.links, lnk)
			fieldlen = vlen
		default:
			fieldlen = protowire.ConsumeFieldValue(num, typ, data)
			if fieldlen < 0 {
				return nil, protowire.ParseError(fieldlen)
			}
		}
		data = data[fieldlen:]
	}

	n.encoded = encoded
	return n, nil
}

// DecodeProtoNodeBlock decodes a block whose bytes are known to hash to the
// block's cid, keeping the cid cached on the node.
func DecodeProtoNodeBlock(b blocks.Block) (*ProtoNode, error) {
	n, err := DecodeProtoNode(b.RawData())
	if err != nil {
		return nil, err
	}

	n.cached = b.Cid()
	n.builder = b.Cid().Prefix()
	return n, nil
}

// DecodeBlock decodes a block into an ipld.Node based on the codec carried
// in its cid.
func DecodeBlock(b blocks.Block) (ipld.Node, error) {
	switch c := mc.Code(b.Cid().Type()); c {
	case mc.DagPb:
		return DecodeProtoNodeBlock(b)
	case mc.Raw:
		return &RawNode{Block: b}, nil
	default:
		return nil, fmt.Errorf("unrecognized object type: %s", c)
	}
}
