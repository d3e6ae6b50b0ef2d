package replay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/csi-sense/internal/config"
	"github.com/banshee-data/csi-sense/internal/csi"
	"github.com/banshee-data/csi-sense/internal/monitoring"
	"github.com/banshee-data/csi-sense/internal/network"
	"github.com/banshee-data/csi-sense/internal/security"
)

// An archive directory holds room.json and one or more capture files per
// station named <hw>-<n>.pcap, where <hw> is the hardware address with
// colons replaced by dashes and anything unsafe in a file name replaced by
// an underscore. Each capture packet is an Ethernet/IPv4/UDP
// datagram from the station carrying a protocol message; its capture
// timestamp is the time the frame was received. CSI bodies are always
// stored in the Atheros layout.

const snapLen = 65536

// Archive is a loaded recording.
type Archive struct {
	Topology *config.Topology
	// Frames are keyed by lower-case hardware address, in file order.
	Frames map[string][]csi.Frame
}

// Len returns the number of frames across all stations.
func (a *Archive) Len() int {
	n := 0
	for _, fs := range a.Frames {
		n += len(fs)
	}
	return n
}

func fileStem(hw string) string {
	return security.SanitizeFilename(strings.ReplaceAll(strings.ToLower(hw), ":", "-"))
}

// LoadArchive reads the topology and every capture file of its stations.
// Packets that do not decode are logged and skipped.
func LoadArchive(dir string) (*Archive, error) {
	topo, err := config.LoadTopology(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive %s: %w", dir, err)
	}

	a := &Archive{Topology: topo, Frames: make(map[string][]csi.Frame)}
	for _, sc := range topo.Stations {
		hw := strings.ToLower(sc.HWAddress)
		pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(fileStem(hw)) + `-(\d+)\.pcap$`)
		var files []string
		for _, e := range entries {
			if !e.IsDir() && pattern.MatchString(e.Name()) {
				files = append(files, e.Name())
			}
		}
		sort.Slice(files, func(i, j int) bool {
			return captureIndex(pattern, files[i]) < captureIndex(pattern, files[j])
		})
		for _, name := range files {
			frames, err := readCapture(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			a.Frames[hw] = append(a.Frames[hw], frames...)
		}
	}
	monitoring.Infof("Loaded archive %s: %d frames from %d stations", dir, a.Len(), len(a.Frames))
	return a, nil
}

func captureIndex(pattern *regexp.Regexp, name string) int {
	n, _ := strconv.Atoi(pattern.FindStringSubmatch(name)[1])
	return n
}

func readCapture(path string) ([]csi.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture %s: %w", path, err)
	}

	var frames []csi.Frame
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read capture %s: %w", path, err)
		}
		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		frame, err := decodeMessage(udp.Payload, ci)
		if err != nil {
			monitoring.Warnf("Skipping packet in %s: %v", path, err)
			continue
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, nil
}

func decodeMessage(payload []byte, ci gopacket.CaptureInfo) (csi.Frame, error) {
	msg, err := network.ParseMessage(payload)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case network.TypeCSI:
		return csi.DecodeAtheros(msg.Payload, ci.Timestamp)
	case network.TypeAcceleration:
		return csi.DecodeAcceleration(msg.Payload, ci.Timestamp)
	}
	return nil, nil
}

// Recorder writes frames into an archive directory. It is safe for
// concurrent use.
type Recorder struct {
	dir      string
	topology *config.Topology

	mu      sync.Mutex
	files   map[string]*captureFile
	written int
	closed  bool
}

type captureFile struct {
	f   *os.File
	w   *pcapgo.Writer
	mac net.HardwareAddr
	ip  net.IP
}

// NewRecorder creates dir if needed and writes the topology into it.
func NewRecorder(dir string, topo *config.Topology) (*Recorder, error) {
	if topo == nil {
		return nil, errors.New("replay: recorder needs a topology")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive %s: %w", dir, err)
	}
	if err := config.SaveTopology(filepath.Join(dir, config.TopologyFileName), topo); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, topology: topo, files: make(map[string]*captureFile)}, nil
}

// Consumer returns a network.Consumer recording frames of station hw.
func (r *Recorder) Consumer(hw string) network.Consumer {
	return func(f csi.Frame) {
		if err := r.Record(hw, f); err != nil {
			monitoring.Errorf("Failed to record frame from %s: %v", hw, err)
		}
	}
}

// Record appends f to the capture file of station hw.
func (r *Recorder) Record(hw string, f csi.Frame) error {
	body, t, err := encodeFrame(f)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("replay: recorder closed")
	}
	cf, err := r.fileFor(hw)
	if err != nil {
		return err
	}

	eth := &layers.Ethernet{
		SrcMAC:       cf.mac,
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 0},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    cf.ip,
		DstIP:    net.IPv4(127, 0, 0, 1).To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(network.ServerPort),
		DstPort: layers.UDPPort(network.ClientPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := append([]byte{byte(t)}, body...)
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to encode packet for %s: %w", hw, err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     f.Timestamp(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := cf.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("failed to write packet for %s: %w", hw, err)
	}
	r.written++
	return nil
}

func encodeFrame(f csi.Frame) ([]byte, network.MessageType, error) {
	switch v := f.(type) {
	case *csi.CSIFrame:
		return csi.EncodeAtheros(v), network.TypeCSI, nil
	case *csi.AccelerationFrame:
		return csi.EncodeAcceleration(v), network.TypeAcceleration, nil
	}
	return nil, 0, fmt.Errorf("replay: cannot record %T", f)
}

// fileFor opens the next free <hw>-<n>.pcap. r.mu must be held.
func (r *Recorder) fileFor(hw string) (*captureFile, error) {
	key := strings.ToLower(hw)
	if cf, ok := r.files[key]; ok {
		return cf, nil
	}

	var path string
	for n := 0; ; n++ {
		path = filepath.Join(r.dir, fmt.Sprintf("%s-%d.pcap", fileStem(key), n))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write capture header %s: %w", path, err)
	}

	cf := &captureFile{f: f, w: w, ip: net.IPv4zero.To4()}
	if mac, err := net.ParseMAC(key); err == nil {
		cf.mac = mac
	} else {
		cf.mac = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	}
	if sc, ok := r.topology.Station(key); ok {
		host := sc.Address
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if ip := net.ParseIP(host).To4(); ip != nil {
			cf.ip = ip
		}
	}
	r.files[key] = cf
	monitoring.Debugf("Recording %s to %s", hw, path)
	return cf, nil
}

// Written returns the number of frames recorded.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close flushes and closes every capture file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for _, cf := range r.files {
		if err := cf.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
