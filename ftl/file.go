package ftl

import (
	"io"
	"time"

	"github.com/chzyer/logex"

	"github.com/mit-pdos/go-safeftl/common"
	"github.com/mit-pdos/go-safeftl/desc"
	"github.com/mit-pdos/go-safeftl/util"
)

type Mode int

const (
	ModeRead Mode = iota
	// ModeWrite replaces the file's contents when the handle closes.
	ModeWrite
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "w"
	case ModeAppend:
		return "a"
	}
	return "r"
}

type FileState int

const (
	FileUnlinked FileState = iota
	// FileStaged holds sectors only the mirror FAT knows about.
	FileStaged
	FileCommitted
	FileAborted
)

func (s FileState) String() string {
	switch s {
	case FileStaged:
		return "staged"
	case FileCommitted:
		return "committed"
	case FileAborted:
		return "aborted"
	}
	return "unlinked"
}

// File is an open handle. Its chain lives in the mirror FAT from open to
// close; nothing it writes is visible in the FAT before Close commits.
type File struct {
	v     *Volume
	name  string
	de    int
	mode  Mode
	state FileState

	start common.Entry
	link  int
	// discard chain: committed sectors this handle replaced
	dstart common.Entry
	dlink  int
	// chain of the contents a ModeWrite handle replaces
	old common.Entry
	// created holds the entry back from the directory until Close
	created bool

	len int64
	pos int64

	buf      []byte
	loaded   bool
	modified bool
	closed   bool
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Mode() Mode {
	return f.mode
}

func (f *File) State() FileState {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	return f.state
}

func (f *File) Len() int64 {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	return f.len
}

// FileInfo describes a directory entry.
type FileInfo struct {
	Name     string
	Len      int64
	Sector   common.Entry
	Modified time.Time
}

func (v *Volume) lookup(name string) (int, bool) {
	for i := range v.img.Dir {
		de := &v.img.Dir[i]
		if de.InUse() && de.NameString() == name {
			return i, true
		}
	}
	return 0, false
}

// addEntry reserves a free directory slot for name. The slot stays
// empty in the directory, and so out of every commit, until the creating
// writer closes.
func (v *Volume) addEntry(name string) (int, error) {
	for i := range v.img.Dir {
		if v.img.Dir[i].InUse() {
			continue
		}
		if _, ok := v.creating[i]; ok {
			continue
		}
		v.creating[i] = name
		return i, nil
	}
	return 0, logex.Trace(ErrDirFull)
}

// creatingEntry finds a slot reserved for name by a writer still open.
func (v *Volume) creatingEntry(name string) (int, bool) {
	for i, n := range v.creating {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// stampTime packs t the way a FAT directory does.
func stampTime(de *desc.DirEntry, t time.Time) {
	de.CTime = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	de.CDate = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
}

func entryTime(de *desc.DirEntry) time.Time {
	return time.Date(int(de.CDate>>9)+1980, time.Month(de.CDate>>5&0xf), int(de.CDate&0x1f),
		int(de.CTime>>11), int(de.CTime>>5&0x3f), int(de.CTime&0x1f)*2, 0, time.Local)
}

func checkName(name string) error {
	if name == "" || len(name) > len(desc.DirEntry{}.Name) {
		return logex.Trace(ErrName, name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return logex.Trace(ErrName, name)
		}
	}
	return nil
}

// Open opens name. ModeWrite and ModeAppend create a missing file; any
// number of readers may share a file but only one writer, and readers are
// refused while a writer holds it.
func (v *Volume) Open(name string, mode Mode) (*File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkWorking(); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	i, ok := v.lookup(name)
	created := false
	if !ok {
		if mode == ModeRead {
			return nil, logex.Trace(ErrNotFound, name)
		}
		if _, busy := v.creatingEntry(name); busy {
			return nil, logex.Trace(ErrLocked, name)
		}
		var err error
		if i, err = v.addEntry(name); err != nil {
			return nil, err
		}
		created = true
	}
	de := &v.img.Dir[i]
	if mode != ModeRead && de.Attr&desc.AttrReadOnly != 0 {
		return nil, logex.Trace(ErrMode, name)
	}
	if !v.locks.TryAcquire(uint64(i), mode != ModeRead) {
		if created {
			delete(v.creating, i)
		}
		return nil, logex.Trace(ErrLocked, name)
	}

	f := &File{
		v:       v,
		name:    name,
		de:      i,
		mode:    mode,
		state:   FileUnlinked,
		start:   common.EOF,
		link:    linkHead,
		dstart:  common.EOF,
		dlink:   linkHead,
		old:     common.EOF,
		created: created,
		buf:     make([]byte, v.geo.SectorSize),
	}
	switch {
	case created:
	case mode == ModeWrite:
		f.old = common.Entry(de.Sector)
	default:
		f.start = common.Entry(de.Sector)
		f.len = int64(de.Len)
		if err := v.copyChainIntoMirror(f.start, f.len); err != nil {
			if !v.shared(f) {
				v.removeMirrorChain(f.start)
			}
			v.locks.Release(uint64(i), mode != ModeRead)
			return nil, err
		}
		if mode == ModeAppend {
			if err := f.seek(f.len); err != nil {
				v.removeMirrorChain(f.start)
				v.locks.Release(uint64(i), true)
				return nil, err
			}
		}
	}
	v.files = append(v.files, f)
	util.DPrintf(3, "Open: %s mode %s entry %d len %d\n", name, mode, i, f.len)
	return f, nil
}

// seek walks the chain to the sector holding byte off.
func (f *File) seek(off int64) error {
	if off < 0 || off > f.len {
		return logex.Trace(io.EOF, off, f.len)
	}
	ss := int64(f.v.geo.SectorSize)
	f.link = linkHead
	f.loaded = false
	for n := off / ss; n > 0; n-- {
		e := f.getLink()
		if !e.IsNext() {
			return logex.Trace(ErrChain)
		}
		f.link = int(e.Sector())
	}
	f.pos = off
	return nil
}

func (f *File) usable() error {
	if f.closed {
		return logex.Trace(ErrClosed)
	}
	if f.state == FileAborted {
		return logex.Trace(ErrAborted)
	}
	return nil
}

// Seek moves a reader to off.
func (f *File) Seek(off int64) error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if err := f.usable(); err != nil {
		return err
	}
	if f.mode != ModeRead {
		return logex.Trace(ErrMode)
	}
	return f.seek(off)
}

func (f *File) Read(p []byte) (int, error) {
	v := f.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := f.usable(); err != nil {
		return 0, err
	}
	if f.pos >= f.len {
		return 0, io.EOF
	}
	ss := int64(v.geo.SectorSize)
	n := 0
	for n < len(p) && f.pos < f.len {
		e := f.getLink()
		if !f.loaded {
			if !e.IsNext() {
				return n, logex.Trace(ErrChain, f.pos)
			}
			if err := v.getSector(int(e.Sector()), f.buf, 0); err != nil {
				return n, err
			}
			f.loaded = true
		}
		rel := f.pos % ss
		k := int(util.Min(uint64(ss-rel), uint64(f.len-f.pos)))
		k = copy(p[n:], f.buf[rel:rel+int64(k)])
		n += k
		f.pos += int64(k)
		if f.pos%ss == 0 {
			f.link = int(e.Sector())
			f.loaded = false
		}
	}
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	v := f.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := f.usable(); err != nil {
		return 0, err
	}
	if f.mode == ModeRead {
		return 0, logex.Trace(ErrMode)
	}
	if err := v.checkWorking(); err != nil {
		return 0, err
	}
	ss := int64(v.geo.SectorSize)
	n := 0
	for n < len(p) {
		if !f.loaded {
			if e := f.getLink(); e.IsNext() {
				if err := v.getSector(int(e.Sector()), f.buf, 0); err != nil {
					return n, err
				}
			} else {
				util.Fill(f.buf, 0)
			}
			f.loaded = true
		}
		rel := f.pos % ss
		k := copy(f.buf[rel:], p[n:])
		n += k
		f.pos += int64(k)
		f.modified = true
		if f.pos > f.len {
			f.len = f.pos
		}
		if f.pos%ss == 0 {
			if err := f.storeBuffer(); err != nil {
				v.cleanupFile(f)
				return n, err
			}
			f.link = int(f.getLink().Sector())
			f.loaded = false
		}
	}
	return n, nil
}

func (f *File) storeBuffer() error {
	if err := f.v.storeSector(f, f.buf); err != nil {
		return err
	}
	f.modified = false
	f.state = FileStaged
	return nil
}

// Close commits a writer: the staged chain replaces the committed one in
// the FAT, the directory entry is updated and the volume is flushed. A
// reader's close only drops its mirror chain.
func (f *File) Close() error {
	v := f.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if f.closed {
		return logex.Trace(ErrClosed)
	}
	f.closed = true
	v.unlinkFile(f)
	if f.state == FileAborted {
		return logex.Trace(ErrAborted)
	}
	if f.mode == ModeRead {
		v.cleanupFile(f)
		return nil
	}
	if err := v.checkWorking(); err != nil {
		v.cleanupFile(f)
		return err
	}
	if f.modified {
		if err := f.storeBuffer(); err != nil {
			v.cleanupFile(f)
			return err
		}
	}
	v.setDiscSectors(f.old)
	v.copyMirrorChain(f.start)
	v.copyDiscMirrorChain(f.dstart)
	de := &v.img.Dir[f.de]
	if f.created {
		*de = desc.DirEntry{Attr: desc.AttrFile}
		de.SetName(f.name)
		delete(v.creating, f.de)
		f.created = false
	}
	de.Sector = uint16(f.start)
	de.Len = uint32(f.len)
	stampTime(de, time.Now())
	v.dirChanged(f.de)
	f.demoteOthers()
	v.locks.Release(uint64(f.de), true)
	f.state = FileCommitted
	util.DPrintf(3, "Close: %s committed, %d bytes from %v\n", f.name, f.len, f.start)
	return v.flush()
}

// Abort drops every staged change of f.
func (f *File) Abort() {
	v := f.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	v.cleanupFile(f)
	v.unlinkFile(f)
}

// demoteOthers aborts the other handles on f's entry, whose view of the
// file is stale once f commits or drops its chain.
func (f *File) demoteOthers() {
	for _, o := range f.v.files {
		if o == f || o.de != f.de || o.state == FileAborted {
			continue
		}
		util.DPrintf(2, "demote: %s handle in mode %s\n", o.name, o.mode)
		f.v.releaseFile(o)
	}
}

// shared reports another live handle walking the same mirror entries as
// f. A ModeWrite handle builds a chain of its own.
func (v *Volume) shared(f *File) bool {
	for _, o := range v.files {
		if o != f && o.de == f.de && o.state != FileAborted && !o.closed && o.mode != ModeWrite {
			return true
		}
	}
	return false
}

// cleanupFile abandons f's staged chains. A reader sharing its chain with
// other handles leaves the mirror alone; anyone else drops its chains,
// and a writer demotes the handles on the same entry.
func (v *Volume) cleanupFile(f *File) {
	if f.state == FileAborted {
		return
	}
	if f.mode == ModeRead && v.shared(f) {
		v.locks.Release(uint64(f.de), false)
		f.state = FileAborted
		return
	}
	v.releaseFile(f)
	if f.mode != ModeRead {
		f.demoteOthers()
	}
}

func (v *Volume) releaseFile(f *File) {
	v.removeMirrorChain(f.start)
	v.removeMirrorChain(f.dstart)
	v.locks.Release(uint64(f.de), f.mode != ModeRead)
	if f.created {
		delete(v.creating, f.de)
		f.created = false
	}
	f.state = FileAborted
}

func (v *Volume) unlinkFile(f *File) {
	for i, o := range v.files {
		if o == f {
			v.files = append(v.files[:i], v.files[i+1:]...)
			return
		}
	}
}

func (v *Volume) dropFiles() {
	for _, f := range v.files {
		if f.state != FileAborted {
			v.releaseFile(f)
		}
	}
	v.files = nil
	v.creating = make(map[int]string)
	v.clearMirror()
}

// Remove deletes name. Its sectors are freed once the removal commits.
func (v *Volume) Remove(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkWorking(); err != nil {
		return err
	}
	i, ok := v.lookup(name)
	if !ok {
		return logex.Trace(ErrNotFound, name)
	}
	if r, w := v.locks.Holders(uint64(i)); r > 0 || w {
		return logex.Trace(ErrBusy, name)
	}
	de := &v.img.Dir[i]
	start := common.Entry(de.Sector)
	*de = desc.DirEntry{}
	v.dirChanged(i)
	v.setDiscSectors(start)
	return v.flush()
}

func (v *Volume) List() ([]FileInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateWorking {
		return nil, logex.Trace(ErrNotFormatted)
	}
	var fis []FileInfo
	for i := range v.img.Dir {
		de := &v.img.Dir[i]
		if !de.InUse() {
			continue
		}
		fis = append(fis, FileInfo{
			Name:     de.NameString(),
			Len:      int64(de.Len),
			Sector:   common.Entry(de.Sector),
			Modified: entryTime(de),
		})
	}
	return fis, nil
}

// Flush commits the tables and frees the sectors discarded by the
// commit. A failed commit stops the volume.
func (v *Volume) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkWorking(); err != nil {
		return err
	}
	return v.flush()
}

func (v *Volume) flush() error {
	if err := v.storeFat(false); err != nil {
		v.stoperr = err
		logex.Error("commit failed, volume stopped:", err)
		return logex.Trace(err)
	}
	v.removeDiscSectors()
	v.staticcou--
	if v.staticcou <= 0 {
		v.staticcou = v.staticPeriod()
		if err := v.staticWearLevel(); err != nil {
			v.stoperr = err
			return logex.Trace(err)
		}
	}
	return nil
}
